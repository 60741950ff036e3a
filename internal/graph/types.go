package graph

import "github.com/relaykit/graph-relay/internal/email"

// sendMailRequest is the top-level request body for the Graph API sendMail endpoint.
type sendMailRequest struct {
	Message sendMailMessage `json:"message"`
}

// sendMailMessage represents the message portion of a sendMail request.
type sendMailMessage struct {
	Subject        string      `json:"subject"`
	Body           messageBody `json:"body"`
	ConversationID string      `json:"conversationId,omitempty"`
	From           *recipient  `json:"from,omitempty"`
	ReplyTo        []recipient `json:"replyTo,omitempty"`
	ToRecipients   []recipient `json:"toRecipients"`
	CcRecipients   []recipient `json:"ccRecipients,omitempty"`
	BccRecipients  []recipient `json:"bccRecipients,omitempty"`
}

// messageBody represents the body of an email message.
type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// recipient represents an email recipient.
type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

// emailAddress represents an email address in a Graph API request.
type emailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

// graphError represents the error detail in a Graph API error response.
type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// meResponse is the subset of the /me resource the relay reads.
type meResponse struct {
	UserPrincipalName string `json:"userPrincipalName"`
}

// buildSendMailRequest projects a parsed email onto the sendMail body.
// The HTML body is passed through verbatim and never downgraded to text;
// a message with no body or sender is sent with those fields empty.
func buildSendMailRequest(msg *email.Email) *sendMailRequest {
	m := sendMailMessage{
		Subject: msg.Subject,
		Body: messageBody{
			ContentType: "html",
			Content:     msg.HTMLBody,
		},
		ConversationID: msg.InReplyTo,
		ToRecipients:   toRecipients(msg.To),
		CcRecipients:   toRecipients(msg.Cc),
		BccRecipients:  toRecipients(msg.Bcc),
	}

	if msg.From.Address != "" {
		m.From = &recipient{EmailAddress: emailAddress{
			Address: msg.From.Address,
			Name:    msg.From.Name,
		}}
	}
	if msg.ReplyTo != nil {
		m.ReplyTo = []recipient{{EmailAddress: emailAddress{
			Address: msg.ReplyTo.Address,
			Name:    msg.ReplyTo.Name,
		}}}
	}

	return &sendMailRequest{Message: m}
}

// toRecipients maps an address list onto the Graph recipient shape,
// preserving order and display names.
func toRecipients(addrs []email.Address) []recipient {
	if len(addrs) == 0 {
		return []recipient{}
	}
	result := make([]recipient, 0, len(addrs))
	for _, a := range addrs {
		result = append(result, recipient{EmailAddress: emailAddress{
			Address: a.Address,
			Name:    a.Name,
		}})
	}
	return result
}
