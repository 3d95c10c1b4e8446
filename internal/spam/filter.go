// Package spam implements the rule-based message scoring engine.
//
// The rule set, weights and word list are frozen constants: recomputing a
// score over the same input always yields the same result.
package spam

import (
	"context"
	"net"
	"regexp"
	"strings"
	"unicode"

	"github.com/courier-mta/courierd/internal/logging"
)

// RejectThreshold is the score above which a message is refused at DATA;
// MarkThreshold is the score above which an accepted message is flagged.
const (
	RejectThreshold = 10.0
	MarkThreshold   = 5.0
)

// spamWords is the frozen phrase list shared by the subject and body rules.
var spamWords = []string{
	"viagra", "cialis", "pharmacy", "pills", "medication",
	"casino", "poker", "slots", "betting", "lottery",
	"weight loss", "lose weight", "diet pills",
	"make money", "work from home", "million dollars",
	"nigerian prince", "inheritance", "tax refund",
	"click here", "act now", "limited time", "urgent",
	"winner", "congratulations", "you won", "prize",
	"free", "guarantee", "no obligation", "risk free",
	"increase sales", "double your", "cheap", "bargain",
	"order now", "call now", "apply now", "subscribe",
	"unsubscribe", "remove", "opt out",
	"dear friend", "dear sir/madam",
}

var (
	urlPattern        = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)
	imgPattern        = regexp.MustCompile(`(?i)<img\s+[^>]*>`)
	privateIPPattern  = regexp.MustCompile(`(10\.|172\.1[6-9]\.|172\.2[0-9]\.|172\.3[01]\.|192\.168\.)`)
	hiddenTextPattern = []*regexp.Regexp{
		regexp.MustCompile(`(?i)color:\s*#?ffffff`),
		regexp.MustCompile(`(?i)font-size:\s*[01]px`),
		regexp.MustCompile(`(?i)display:\s*none`),
		regexp.MustCompile(`(?i)visibility:\s*hidden`),
		regexp.MustCompile(`(?i)text-indent:\s*-\d+px`),
	}
)

type rule struct {
	name    string
	weight  float64
	applies func(m *ParsedMessage, sender, senderIP string) bool
}

var rules = []rule{
	{"subject_all_caps", 3.0, checkAllCapsSubject},
	{"subject_excessive_punctuation", 2.0, checkExcessivePunctuation},
	{"subject_spam_words", 2.5, checkSpamWordsSubject},
	{"body_spam_words", 2.0, checkSpamWordsBody},
	{"excessive_links", 1.5, checkExcessiveLinks},
	{"hidden_text", 3.0, checkHiddenText},
	{"excessive_images", 1.0, checkExcessiveImages},
	{"missing_message_id", 1.0, checkMissingMessageID},
	{"invalid_date", 2.0, checkInvalidDate},
	{"multiple_from", 3.0, checkMultipleFrom},
	{"forged_received", 4.0, checkForgedReceived},
	{"base64_encoded_text", 1.5, checkBase64Text},
	{"no_text", 1.0, checkNoText},
	{"mostly_html", 0.5, checkMostlyHTML},
}

// Result holds the scoring outcome for one message.
type Result struct {
	Score          float64
	Scores         map[string]float64 // triggered rule -> weight
	RulesTriggered []string
}

// Reject reports whether the message should be refused.
func (r Result) Reject() bool { return r.Score > RejectThreshold }

// Mark reports whether an accepted message should be flagged as likely
// spam.
func (r Result) Mark() bool { return r.Score > MarkThreshold && !r.Reject() }

// Filter scores messages against the fixed rule set.
type Filter struct {
	logger *logging.Logger
}

// New creates a Filter.
func New(logger *logging.Logger) *Filter {
	return &Filter{logger: logger.WithFields("component", "spam")}
}

// Check scores a parsed message. The score is a pure function of the
// message, envelope sender and peer IP.
func (f *Filter) Check(ctx context.Context, msg *ParsedMessage, sender, senderIP string) Result {
	result := Result{Scores: make(map[string]float64)}

	for _, r := range rules {
		if r.applies(msg, sender, senderIP) {
			result.Score += r.weight
			result.Scores[r.name] = r.weight
			result.RulesTriggered = append(result.RulesTriggered, r.name)
		}
	}

	if result.Score > MarkThreshold {
		f.logger.WarnContext(ctx, "High spam score",
			"score", result.Score,
			"sender", sender,
			"sender_ip", senderIP,
			"rules", strings.Join(result.RulesTriggered, ","))
	}
	return result
}

func checkAllCapsSubject(m *ParsedMessage, _, _ string) bool {
	if len(m.Subject) <= 10 {
		return false
	}
	var letters, upper int
	for _, c := range m.Subject {
		if unicode.IsLetter(c) {
			letters++
			if unicode.IsUpper(c) {
				upper++
			}
		}
	}
	return letters > 0 && float64(upper)/float64(letters) > 0.8
}

func checkExcessivePunctuation(m *ParsedMessage, _, _ string) bool {
	count := strings.Count(m.Subject, "!") + strings.Count(m.Subject, "?") + strings.Count(m.Subject, "$")
	return count > 3
}

func checkSpamWordsSubject(m *ParsedMessage, _, _ string) bool {
	subject := strings.ToLower(m.Subject)
	var hits int
	for _, word := range spamWords {
		if strings.Contains(subject, word) {
			hits++
		}
	}
	return hits >= 2
}

func checkSpamWordsBody(m *ParsedMessage, _, _ string) bool {
	body := strings.ToLower(m.AllText())
	if len(body) < 50 {
		return false
	}
	var hits int
	for _, word := range spamWords {
		if strings.Contains(body, word) {
			hits++
		}
	}
	words := len(strings.Fields(body))
	return words > 0 && float64(hits)/float64(words) > 0.05
}

func checkExcessiveLinks(m *ParsedMessage, _, _ string) bool {
	body := m.AllText()
	urls := urlPattern.FindAllString(body, -1)
	words := len(strings.Fields(body))
	return words > 0 && float64(len(urls))/float64(words) > 0.1
}

func checkHiddenText(m *ParsedMessage, _, _ string) bool {
	html := m.HTMLBody()
	if html == "" {
		return false
	}
	for _, pattern := range hiddenTextPattern {
		if pattern.MatchString(html) {
			return true
		}
	}
	return false
}

func checkExcessiveImages(m *ParsedMessage, _, _ string) bool {
	html := m.HTMLBody()
	if html == "" {
		return false
	}
	imgCount := len(imgPattern.FindAllString(html, -1))
	textLen := len(tagPattern.ReplaceAllString(html, ""))
	if textLen < 100 && imgCount > 2 {
		return true
	}
	return imgCount > 10
}

func checkMissingMessageID(m *ParsedMessage, _, _ string) bool {
	return m.MessageID == ""
}

func checkInvalidDate(m *ParsedMessage, _, _ string) bool {
	if m.Date == "" {
		return true
	}
	// A plausible Date carries a timezone marker.
	return !strings.Contains(m.Date, "GMT") &&
		!strings.Contains(m.Date, "UTC") &&
		!strings.Contains(m.Date, "+")
}

func checkMultipleFrom(m *ParsedMessage, _, _ string) bool {
	return len(m.From) > 1
}

func checkForgedReceived(m *ParsedMessage, _, senderIP string) bool {
	for _, header := range m.Received {
		if privateIPPattern.MatchString(header) && !isPrivateIP(senderIP) {
			return true
		}
	}
	return false
}

func checkBase64Text(m *ParsedMessage, _, _ string) bool {
	for _, part := range m.Parts {
		if part.ContentType == "text/plain" && part.TransferEncoding == "base64" {
			return true
		}
	}
	return false
}

func checkNoText(m *ParsedMessage, _, _ string) bool {
	return len(strings.TrimSpace(m.AllText())) < 10
}

func checkMostlyHTML(m *ParsedMessage, _, _ string) bool {
	return m.HTMLBody() != "" && m.TextBody() == ""
}

func isPrivateIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsPrivate() || parsed.IsLoopback()
}
