package models

import "time"

const RecoveryAnswerCount = 3

type RecoveryQuestion struct {
	UserID      string    `db:"user_id"`
	Answer1Hash string    `db:"answer1_hash"`
	Answer2Hash string    `db:"answer2_hash"`
	Answer3Hash string    `db:"answer3_hash"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *RecoveryQuestion) Hashes() []string {
	return []string{r.Answer1Hash, r.Answer2Hash, r.Answer3Hash}
}
