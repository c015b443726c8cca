// Package message inspects and edits raw RFC 5322 messages without
// re-encoding them. Relayed data is passed through byte for byte; only
// header prepending ever changes it.
package message

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"
)

// Summary holds the header fields and MIME structure used for logging,
// audit records and dry-run output.
type Summary struct {
	From        string
	To          []string
	Cc          []string
	Subject     string
	MessageID   string
	ContentType string
	Size        int
	Parts       int
	Attachments []string

	// Problems lists MIME structure that could not be parsed. The other
	// fields hold whatever was recovered.
	Problems []error
}

// Summarize parses raw and extracts a Summary. Malformed MIME structure is
// tolerated and reported in Summary.Problems; only an unreadable header
// block is an error.
func Summarize(raw []byte) (*Summary, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	s := &Summary{
		From:      msg.Header.Get("From"),
		To:        parseAddressList(msg.Header.Get("To")),
		Cc:        parseAddressList(msg.Header.Get("Cc")),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		MessageID: msg.Header.Get("Message-Id"),
		Size:      len(raw),
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		s.Problems = append(s.Problems, fmt.Errorf("content type %q treated as text/plain: %w", contentType, err))
		s.ContentType = "text/plain"
		s.Parts = 1
		return s, nil
	}
	s.ContentType = mediaType

	if !strings.HasPrefix(mediaType, "multipart/") {
		s.Parts = 1
		return s, nil
	}
	boundary := params["boundary"]
	if boundary == "" {
		s.Problems = append(s.Problems, fmt.Errorf("%s message has no boundary", mediaType))
		return s, nil
	}
	if err := walkMultipart(msg.Body, boundary, s); err != nil {
		s.Problems = append(s.Problems, err)
	}
	return s, nil
}

// walkMultipart counts leaf parts and collects attachment names, descending
// into nested multiparts.
func walkMultipart(body io.Reader, boundary string, s *Summary) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}
		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			s.Parts++
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if nested := params["boundary"]; nested != "" {
				if err := walkMultipart(part, nested, s); err != nil {
					return err
				}
			}
			continue
		}

		s.Parts++
		disposition := part.Header.Get("Content-Disposition")
		if strings.HasPrefix(disposition, "attachment") {
			s.Attachments = append(s.Attachments, attachmentName(part, params, mediaType))
			continue
		}
		if mediaType != "text/plain" && mediaType != "text/html" {
			if fn := part.FileName(); fn != "" {
				s.Attachments = append(s.Attachments, fn)
			} else if name := params["name"]; name != "" {
				s.Attachments = append(s.Attachments, name)
			}
		}
	}
}

// attachmentName prefers the Content-Disposition filename, then the
// Content-Type name parameter, then a name derived from the media type.
func attachmentName(part *multipart.Part, params map[string]string, mediaType string) string {
	if fn := part.FileName(); fn != "" {
		return fn
	}
	if name := params["name"]; name != "" {
		return name
	}
	if _, sub, ok := strings.Cut(mediaType, "/"); ok {
		return "attachment." + sub
	}
	return "attachment"
}

func decodeHeader(v string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

// parseAddressList splits an address header into bare addresses.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		// Fall back to simple comma split if RFC 5322 parsing fails
		var result []string
		for _, p := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}

// ParseHeaderLine splits a "Name: value" line. The name is canonicalized
// and must be a valid field name; the value must not contain line breaks.
func ParseHeaderLine(line string) (name, value string, err error) {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", fmt.Errorf("header %q: missing colon", line)
	}
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)
	if name == "" {
		return "", "", fmt.Errorf("header %q: empty name", line)
	}
	for _, r := range name {
		if r <= ' ' || r > '~' || r == ':' {
			return "", "", fmt.Errorf("header %q: invalid character %q in name", line, r)
		}
	}
	if strings.ContainsAny(value, "\r\n") {
		return "", "", fmt.Errorf("header %q: value contains a line break", line)
	}
	return textproto.CanonicalMIMEHeaderKey(name), value, nil
}

// PrependHeader returns a copy of data with "name: value" added as the first
// header field. The line ending follows the one used by data.
func PrependHeader(data []byte, name, value string) []byte {
	eol := "\r\n"
	if i := bytes.IndexByte(data, '\n'); i >= 0 && (i == 0 || data[i-1] != '\r') {
		eol = "\n"
	}

	line := name + ": " + value + eol
	out := make([]byte, 0, len(line)+len(data))
	out = append(out, line...)
	return append(out, data...)
}
