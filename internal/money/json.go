package money

import (
	"encoding/json"
	"fmt"
)

// CNYAmount wraps Money for wire encoding as a plain decimal string with
// exactly two fraction digits, e.g. "12.34" — the format every amount
// field in the external API uses. It is always denominated in CNY.
type CNYAmount Money

// MarshalJSON renders the amount as a quoted decimal string.
func (a CNYAmount) MarshalJSON() ([]byte, error) {
	return json.Marshal(Money(a).ToMajor())
}

// UnmarshalJSON parses a quoted decimal string into atomic CNY units.
// Digits beyond the second fraction digit are rounded half-up, as in
// FromMajor ("1.005" becomes 101 fen).
func (a *CNYAmount) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("money: invalid amount JSON: %w", err)
	}
	m, err := FromMajor(CNY, raw)
	if err != nil {
		return err
	}
	*a = CNYAmount(m)
	return nil
}

// ToMoney converts CNYAmount to Money.
func (a CNYAmount) ToMoney() Money { return Money(a) }

// FromMoney wraps a Money value for wire encoding.
func FromMoney(m Money) CNYAmount { return CNYAmount(m) }
