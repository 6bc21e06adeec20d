package channel

import (
	"net/mail"
	"regexp"
	"strings"
)

// Forwarded is the message embedded in a forwarded email.
type Forwarded struct {
	From    string
	Address string
	Date    string
	Subject string
	Body    string
}

var (
	forwardMarkers = []*regexp.Regexp{
		regexp.MustCompile(`(?mi)^[>\s]*-{5,}\s*Forwarded message\s*-{5,}[ \t]*$`),
		regexp.MustCompile(`(?mi)^[>\s]*Begin forwarded message:[ \t]*$`),
		regexp.MustCompile(`(?mi)^[>\s]*-{3,}\s*Original Message\s*-{3,}[ \t]*$`),
		regexp.MustCompile(`(?m)^[>\s]*_{10,}[ \t]*$`),
	}
	headerLineRe = regexp.MustCompile(`(?i)^[>\s]*\*?(from|date|sent|subject|to|cc|reply-to)\*?:\*?\s*(.*?)\s*$`)
	addressRe    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	fwdPrefixRe  = regexp.MustCompile(`(?i)^\s*((fwd?|fw)\s*:\s*)+`)
)

// ParseForwarded finds the innermost forwarded message in body. It returns
// false when body carries no recognizable forwarding block.
func ParseForwarded(body string) (Forwarded, bool) {
	var (
		found Forwarded
		ok    bool
	)
	rest := body
	for {
		fwd, next, matched := parseOne(rest)
		if !matched {
			return found, ok
		}
		found, ok = fwd, true
		rest = next
	}
}

// parseOne parses the earliest forwarding block in body that is followed
// by at least one header line.
func parseOne(body string) (Forwarded, string, bool) {
	best := -1
	var bestEnd int
	for _, re := range forwardMarkers {
		for _, loc := range re.FindAllStringIndex(body, -1) {
			if !hasHeaderAfter(body[loc[1]:]) {
				continue
			}
			if best < 0 || loc[0] < best {
				best, bestEnd = loc[0], loc[1]
			}
			break
		}
	}
	if best < 0 {
		return Forwarded{}, "", false
	}

	var fwd Forwarded
	lines := strings.Split(strings.TrimLeft(body[bestEnd:], "\r\n"), "\n")
	i := 0
	seenHeader := false
	for ; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		if strings.TrimSpace(strings.TrimLeft(line, ">")) == "" {
			if seenHeader {
				i++
				break
			}
			continue
		}
		m := headerLineRe.FindStringSubmatch(line)
		if m == nil {
			break
		}
		seenHeader = true
		value := strings.Trim(m[2], "* ")
		switch strings.ToLower(m[1]) {
		case "from":
			fwd.From = value
		case "date", "sent":
			fwd.Date = value
		case "subject":
			fwd.Subject = value
		}
	}

	fwd.Address = ExtractAddress(fwd.From)
	fwd.Body = unquote(strings.Join(lines[i:], "\n"))
	return fwd, fwd.Body, true
}

func hasHeaderAfter(s string) bool {
	for _, line := range strings.SplitN(strings.TrimLeft(s, "\r\n"), "\n", 4) {
		if headerLineRe.MatchString(strings.TrimRight(line, "\r")) {
			return true
		}
	}
	return false
}

// unquote strips one level of "> " quoting when every non-empty line has it.
func unquote(body string) string {
	lines := strings.Split(body, "\n")
	quoted := false
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		if !strings.HasPrefix(strings.TrimLeft(l, " "), ">") {
			return strings.TrimSpace(body)
		}
		quoted = true
	}
	if !quoted {
		return strings.TrimSpace(body)
	}
	for i, l := range lines {
		l = strings.TrimLeft(l, " ")
		l = strings.TrimPrefix(l, ">")
		lines[i] = strings.TrimPrefix(l, " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// ExtractAddress returns the bare email address from a From header value.
func ExtractAddress(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(addressRe.FindString(from))
}

// CleanSubject removes forwarding prefixes such as "Fwd:" and "FW:".
func CleanSubject(subject string) string {
	return strings.TrimSpace(fwdPrefixRe.ReplaceAllString(subject, ""))
}

// Render rebuilds the forwarded message as text, keeping its From, Date
// and Subject lines above the body.
func (f Forwarded) Render() string {
	var sb strings.Builder
	if f.From != "" {
		sb.WriteString("From: " + f.From + "\n")
	}
	if f.Date != "" {
		sb.WriteString("Date: " + f.Date + "\n")
	}
	if f.Subject != "" {
		sb.WriteString("Subject: " + f.Subject + "\n")
	}
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString(f.Body)
	return strings.TrimSpace(sb.String())
}
