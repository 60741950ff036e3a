// Package parser turns a buffered SMTP DATA payload into the structured
// email model the relay forwards.
package parser

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/relaykit/graph-relay/internal/email"
)

// Parse parses a raw RFC 5322 message into an Email. Malformed MIME is a
// hard error; a message that parses but lacks a body, sender, or recipients
// is returned with those fields empty rather than rejected.
func Parse(raw []byte) (*email.Email, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	defer mr.Close()

	result := &email.Email{}
	h := mr.Header

	if subject, err := h.Subject(); err == nil {
		result.Subject = subject
	}
	result.MessageID = normalizeMsgID(h.Get("Message-Id"))
	result.InReplyTo = normalizeMsgID(h.Get("In-Reply-To"))

	// Multiple From entries are handled first-wins, deterministically.
	if from := addressList(h, "From"); len(from) > 0 {
		result.From = from[0]
	}
	result.To = addressList(h, "To")
	result.Cc = addressList(h, "Cc")
	result.Bcc = addressList(h, "Bcc")
	if replyTo := addressList(h, "Reply-To"); len(replyTo) > 0 {
		result.ReplyTo = &replyTo[0]
	}

	if err := readBodies(mr, result); err != nil {
		return nil, err
	}

	return result, nil
}

// readBodies walks the MIME parts, keeping the first text/html inline body.
// HTML is passed through verbatim; only the HTML body is forwarded, so
// text/plain alternatives and attachments are skipped.
func readBodies(mr *mail.Reader, result *email.Email) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading message part: %w", err)
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		contentType, _, err := inline.ContentType()
		if err != nil {
			slog.Warn("unparseable part content type, skipping", "error", err)
			continue
		}

		if contentType == "text/html" && result.HTMLBody == "" {
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return fmt.Errorf("reading html body: %w", err)
			}
			result.HTMLBody = string(body)
		}
	}
}

// addressList reads an address header into the relay model, preserving
// display names. An unparseable header yields no addresses.
func addressList(h mail.Header, key string) []email.Address {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	result := make([]email.Address, 0, len(addrs))
	for _, a := range addrs {
		result = append(result, email.Address{
			Address: a.Address,
			Name:    a.Name,
		})
	}
	return result
}

// normalizeMsgID strips whitespace and surrounding angle brackets so the
// same message is recognized however the client folds the header.
func normalizeMsgID(raw string) string {
	id := strings.TrimSpace(raw)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}
