// Package email defines the parsed email data model used throughout the relay.
package email

// Address is a single mail address with an optional display name.
type Address struct {
	Address string
	Name    string
}

// Email represents a parsed email message with the fields the relay forwards.
type Email struct {
	MessageID string
	Subject   string
	HTMLBody  string
	From      Address
	To        []Address
	Cc        []Address
	Bcc       []Address
	InReplyTo string
	ReplyTo   *Address
}
