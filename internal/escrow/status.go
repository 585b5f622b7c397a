package escrow

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Status is the position of an escrow in its lifecycle. The zero value is
// StatusInit. Strings exist only at the serialization boundary; anything that
// fails ParseStatus never reaches transition logic.
type Status uint8

const (
	StatusInit            Status = iota // Created, awaiting buyer payment
	StatusPaid                          // Buyer reported payment
	StatusConfirmed                     // Admin verified payment arrived
	StatusReceived                      // Buyer confirmed goods arrived
	StatusPaymentProvided               // Seller submitted payout details
	StatusCompleted                     // Admin paid the seller out
	StatusDispute                       // Escalated, frozen for arbitration
)

var statusNames = [...]string{
	StatusInit:            "INIT",
	StatusPaid:            "PAID",
	StatusConfirmed:       "CONFIRMED",
	StatusReceived:        "RECEIVED",
	StatusPaymentProvided: "PAYMENT_PROVIDED",
	StatusCompleted:       "COMPLETED",
	StatusDispute:         "DISPUTE",
}

// String returns the canonical wire name.
func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
	return statusNames[s]
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

// Terminal reports whether no further transition is defined out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDispute
}

// ParseStatus converts a wire name back to a Status.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return Status(s), nil
		}
	}
	return 0, fmt.Errorf("unknown escrow status %q", name)
}

// MarshalJSON encodes the status as its wire name.
func (s Status) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid status %d", uint8(s))
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a wire name, rejecting unknown values.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer so statuses persist as their wire names.
func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot store invalid status %d", uint8(s))
	}
	return s.String(), nil
}

// Scan implements sql.Scanner.
func (s *Status) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		parsed, err := ParseStatus(v)
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	case []byte:
		parsed, err := ParseStatus(string(v))
		if err != nil {
			return err
		}
		*s = parsed
		return nil
	default:
		return fmt.Errorf("cannot scan %T into escrow.Status", src)
	}
}

// VolumeStatuses are the states counted toward desk volume totals: everything
// from first payment report through completion, excluding disputes.
func VolumeStatuses() []Status {
	return []Status{StatusPaid, StatusConfirmed, StatusReceived, StatusPaymentProvided, StatusCompleted}
}
