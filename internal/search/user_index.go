package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"identity-service/internal/client"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

const userMapping = `{
  "settings": {"number_of_shards": 1},
  "mappings": {
    "properties": {
      "user_id":       {"type": "keyword"},
      "username":      {"type": "text", "fields": {"raw": {"type": "keyword"}}},
      "email":         {"type": "keyword"},
      "first_name":    {"type": "text"},
      "last_name":     {"type": "text"},
      "country":       {"type": "keyword"},
      "city":          {"type": "keyword"},
      "status":        {"type": "integer"},
      "roles":         {"type": "keyword"},
      "kyc_status":    {"type": "keyword"},
      "referral_code": {"type": "keyword"},
      "created_at":    {"type": "date"}
    }
  }
}`

const maxPageSize = 100

// UserDocument is the searchable projection of a user. Phone numbers are never indexed.
type UserDocument struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	FirstName    string    `json:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty"`
	Country      string    `json:"country,omitempty"`
	City         string    `json:"city,omitempty"`
	Status       int       `json:"status"`
	Roles        []string  `json:"roles"`
	KYCStatus    string    `json:"kyc_status,omitempty"`
	ReferralCode string    `json:"referral_code,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func DocumentFromUser(u *models.User) UserDocument {
	return UserDocument{
		UserID:       u.UserID,
		Username:     u.Username,
		Email:        u.Email,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		Country:      u.Country,
		City:         u.City,
		Status:       u.Status,
		Roles:        u.Roles,
		KYCStatus:    u.KYCStatus,
		ReferralCode: u.ReferralCode,
		CreatedAt:    u.CreatedAt,
	}
}

type UserQuery struct {
	Text   string
	Status *int
	From   int
	Size   int
}

type UserSearchResult struct {
	Total int64          `json:"total"`
	Users []UserDocument `json:"users"`
}

type UserIndex struct {
	es    *client.ESClient
	index string
}

func NewUserIndex(es *client.ESClient, index string) *UserIndex {
	return &UserIndex{es: es, index: index}
}

func (i *UserIndex) EnsureIndex(ctx context.Context) error {
	return i.es.EnsureIndex(ctx, i.index, userMapping)
}

// IndexUser upserts the user's document.
func (i *UserIndex) IndexUser(ctx context.Context, u *models.User) error {
	res, err := i.es.IndexDocument(ctx, i.index, u.UserID, DocumentFromUser(u))
	if err != nil {
		return err
	}
	var out map[string]interface{}
	if err := i.es.ParseResponse(res, &out); err != nil {
		util.Error("Failed to index user", util.String("user_id", u.UserID), util.ErrorField(err))
		return err
	}
	return nil
}

func (i *UserIndex) SearchUsers(ctx context.Context, q UserQuery) (*UserSearchResult, error) {
	res, err := i.es.Search(ctx, i.index, BuildUserQuery(q))
	if err != nil {
		return nil, err
	}

	var body struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source UserDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := i.es.ParseResponse(res, &body); err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}

	out := &UserSearchResult{Total: body.Hits.Total.Value, Users: make([]UserDocument, 0, len(body.Hits.Hits))}
	for _, h := range body.Hits.Hits {
		out.Users = append(out.Users, h.Source)
	}
	return out, nil
}

// BuildUserQuery turns a UserQuery into an Elasticsearch bool query.
func BuildUserQuery(q UserQuery) map[string]interface{} {
	size := q.Size
	if size <= 0 {
		size = 20
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	from := q.From
	if from < 0 {
		from = 0
	}

	var must []interface{}
	if text := strings.TrimSpace(q.Text); text != "" {
		must = append(must, map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":     text,
				"fields":    []string{"username^3", "first_name", "last_name", "email", "referral_code"},
				"fuzziness": "AUTO",
			},
		})
	} else {
		must = append(must, map[string]interface{}{"match_all": map[string]interface{}{}})
	}

	var filter []interface{}
	if q.Status != nil {
		filter = append(filter, map[string]interface{}{
			"term": map[string]interface{}{"status": *q.Status},
		})
	}

	return map[string]interface{}{
		"from": from,
		"size": size,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must":   must,
				"filter": filter,
			},
		},
		"sort": []interface{}{
			"_score",
			map[string]interface{}{"created_at": "desc"},
		},
	}
}
