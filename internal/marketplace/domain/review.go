package domain

import "time"

const (
	MinRating = 1
	MaxRating = 5
)

type Review struct {
	ID         int64
	ProductID  int64
	CustomerID int64
	Rating     int
	Comment    string
	CreatedAt  time.Time
}

func ValidRating(r int) bool {
	return r >= MinRating && r <= MaxRating
}
