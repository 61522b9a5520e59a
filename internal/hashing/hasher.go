package hashing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"identity-service/internal/config"
	"identity-service/internal/util"

	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	ErrUnknownPepper       = errors.New("pepper version not found")
)

// Hash purposes are mixed into the input so a hash made for one purpose never verifies for another.
const (
	PurposeOTP      = "otp"
	PurposePassword = "password"
	PurposeRecovery = "recovery"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Hasher struct {
	params         Argon2Params
	currentVersion int
	peppers        map[int]string
	mu             sync.RWMutex
}

// HashResult is the decoded form of a stored hash.
type HashResult struct {
	Hash          []byte
	Salt          []byte
	PepperVersion int
	Memory        uint32
	Iterations    uint32
	Parallelism   uint8
}

func NewHasher(cfg *config.Config) *Hasher {
	h := &Hasher{
		params: Argon2Params{
			Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
			Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
			Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
			SaltLength:  16,
			KeyLength:   32,
		},
		currentVersion: cfg.Hashing.PepperVersion,
		peppers:        make(map[int]string),
	}

	pepper := cfg.Hashing.Pepper
	if pepper == "" {
		// Hashes made with a generated pepper do not survive a restart.
		pepper = randomPepper()
		util.Warn("HASHING_PEPPER not set, using an ephemeral pepper")
	}
	h.peppers[h.currentVersion] = pepper

	for _, entry := range cfg.Hashing.PreviousPeppers {
		version, value, ok := strings.Cut(entry, ":")
		if !ok {
			util.Warn("Ignoring malformed previous pepper entry")
			continue
		}
		v, err := strconv.Atoi(version)
		if err != nil || v == h.currentVersion {
			util.Warn("Ignoring previous pepper with bad version", util.String("version", version))
			continue
		}
		h.peppers[v] = value
	}

	return h
}

func randomPepper() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		util.Fatal("Failed to generate pepper", util.ErrorField(err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// RotatePepper makes value the current pepper under the next version.
// Hashes made with earlier peppers keep verifying.
func (h *Hasher) RotatePepper(value string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.currentVersion++
	h.peppers[h.currentVersion] = value

	util.Info("Pepper rotated", util.Int("version", h.currentVersion))
	return h.currentVersion
}

func (h *Hasher) CurrentPepperVersion() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentVersion
}

func (h *Hasher) HashOTP(otp string) (string, error) {
	return h.hash(otp, PurposeOTP)
}

func (h *Hasher) VerifyOTP(otp, encoded string) (bool, error) {
	return h.verify(otp, encoded, PurposeOTP)
}

func (h *Hasher) HashPassword(password string) (string, error) {
	return h.hash(password, PurposePassword)
}

func (h *Hasher) VerifyPassword(password, encoded string) (bool, error) {
	return h.verify(password, encoded, PurposePassword)
}

// HashRecoveryAnswer normalises case and whitespace before hashing.
func (h *Hasher) HashRecoveryAnswer(answer string) (string, error) {
	return h.hash(normalizeAnswer(answer), PurposeRecovery)
}

func (h *Hasher) VerifyRecoveryAnswer(answer, encoded string) (bool, error) {
	return h.verify(normalizeAnswer(answer), encoded, PurposeRecovery)
}

func normalizeAnswer(answer string) string {
	return strings.ToLower(strings.Join(strings.Fields(answer), " "))
}

// NeedsRehash reports whether encoded was produced with an older pepper or weaker params.
func (h *Hasher) NeedsRehash(encoded string) bool {
	res, err := decode(encoded)
	if err != nil {
		return true
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return res.PepperVersion != h.currentVersion ||
		res.Memory < h.params.Memory ||
		res.Iterations < h.params.Iterations
}

// LookupHash is a deterministic digest used as a lookup key (phone numbers).
// It is not peppered so it stays stable across pepper rotations.
func LookupHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func (h *Hasher) hash(data, purpose string) (string, error) {
	h.mu.RLock()
	version := h.currentVersion
	pepper := h.peppers[version]
	params := h.params
	h.mu.RUnlock()

	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(
		[]byte(data+pepper+purpose),
		salt,
		params.Iterations,
		params.Memory,
		params.Parallelism,
		params.KeyLength,
	)

	return encode(&HashResult{
		Hash:          key,
		Salt:          salt,
		PepperVersion: version,
		Memory:        params.Memory,
		Iterations:    params.Iterations,
		Parallelism:   params.Parallelism,
	}), nil
}

func (h *Hasher) verify(data, encoded, purpose string) (bool, error) {
	res, err := decode(encoded)
	if err != nil {
		return false, err
	}

	h.mu.RLock()
	pepper, ok := h.peppers[res.PepperVersion]
	h.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownPepper, res.PepperVersion)
	}

	computed := argon2.IDKey(
		[]byte(data+pepper+purpose),
		res.Salt,
		res.Iterations,
		res.Memory,
		res.Parallelism,
		uint32(len(res.Hash)),
	)

	return subtle.ConstantTimeCompare(computed, res.Hash) == 1, nil
}

// encode produces "$argon2id$v=19$m=65536,t=3,p=2$pv=1$<salt>$<hash>".
func encode(r *HashResult) string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$pv=%d$%s$%s",
		argon2.Version,
		r.Memory, r.Iterations, r.Parallelism,
		r.PepperVersion,
		base64.RawStdEncoding.EncodeToString(r.Salt),
		base64.RawStdEncoding.EncodeToString(r.Hash),
	)
}

func decode(encoded string) (*HashResult, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 7 || parts[1] != "argon2id" {
		return nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return nil, ErrIncompatibleVersion
	}

	res := &HashResult{}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &res.Memory, &res.Iterations, &res.Parallelism); err != nil {
		return nil, ErrInvalidHash
	}
	if _, err := fmt.Sscanf(parts[4], "pv=%d", &res.PepperVersion); err != nil {
		return nil, ErrInvalidHash
	}

	var err error
	if res.Salt, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return nil, ErrInvalidHash
	}
	if res.Hash, err = base64.RawStdEncoding.DecodeString(parts[6]); err != nil {
		return nil, ErrInvalidHash
	}
	if len(res.Hash) == 0 {
		return nil, ErrInvalidHash
	}
	return res, nil
}
