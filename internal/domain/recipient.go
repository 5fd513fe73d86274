package domain

import "fmt"

// RecipientKind tags which address field of a Recipient is set.
type RecipientKind string

const (
	RecipientPhone RecipientKind = "phone"
	RecipientMail  RecipientKind = "mail"
)

// Recipient is a tagged union: exactly one of Phone or Mail is set,
// selected by Kind. Use PhoneRecipient / MailRecipient to build one.
type Recipient struct {
	Kind  RecipientKind `json:"kind"`
	Phone string        `json:"phone,omitempty"`
	Mail  string        `json:"mail,omitempty"`
	Name  string        `json:"name,omitempty"`
}

// PhoneRecipient builds a phone recipient. The number is kept as given;
// normalization happens at validation/send time.
func PhoneRecipient(phone, name string) Recipient {
	return Recipient{Kind: RecipientPhone, Phone: phone, Name: name}
}

// MailRecipient builds a mail recipient.
func MailRecipient(addr, name string) Recipient {
	return Recipient{Kind: RecipientMail, Mail: addr, Name: name}
}

// Address returns the address selected by the recipient's kind.
func (r Recipient) Address() string {
	switch r.Kind {
	case RecipientPhone:
		return r.Phone
	case RecipientMail:
		return r.Mail
	}
	return ""
}

// Validate checks the union invariant: the tagged field is set, the other
// is empty, and the address is well-formed.
func (r Recipient) Validate() error {
	switch r.Kind {
	case RecipientPhone:
		if r.Phone == "" {
			return fmt.Errorf("phone recipient has no phone number")
		}
		if r.Mail != "" {
			return fmt.Errorf("phone recipient also carries mail address %q", r.Mail)
		}
		if _, err := NormalizePhone(r.Phone); err != nil {
			return err
		}
	case RecipientMail:
		if r.Mail == "" {
			return fmt.Errorf("mail recipient has no address")
		}
		if r.Phone != "" {
			return fmt.Errorf("mail recipient also carries phone number %q", r.Phone)
		}
		if !ValidEmail(r.Mail) {
			return fmt.Errorf("invalid mail address: %s", r.Mail)
		}
	default:
		return fmt.Errorf("unknown recipient kind: %q", r.Kind)
	}
	return nil
}
