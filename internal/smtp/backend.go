package smtp

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/courier-mta/courierd/internal/auth"
	"github.com/courier-mta/courierd/internal/config"
	"github.com/courier-mta/courierd/internal/dkim"
	"github.com/courier-mta/courierd/internal/dnsx"
	"github.com/courier-mta/courierd/internal/greylist"
	"github.com/courier-mta/courierd/internal/logging"
	"github.com/courier-mta/courierd/internal/metrics"
	"github.com/courier-mta/courierd/internal/queue"
	"github.com/courier-mta/courierd/internal/ratelimit"
	"github.com/courier-mta/courierd/internal/spam"
	"github.com/courier-mta/courierd/internal/storage/maildir"
	"github.com/courier-mta/courierd/internal/store"
	"github.com/courier-mta/courierd/internal/validation"
)

// Backend implements the go-smtp Backend interface.
type Backend struct {
	config      *config.Config
	db          *store.DB
	authHandler *auth.Handler
	queue       *queue.Queue
	limiter     *ratelimit.Limiter
	greylister  *greylist.Greylister
	spamFilter  *spam.Filter
	resolver    *dnsx.Resolver
	mailStore   *maildir.Store
	logger      *logging.Logger
}

// NewBackend creates a new SMTP backend.
func NewBackend(cfg *config.Config, db *store.DB, authHandler *auth.Handler, q *queue.Queue,
	limiter *ratelimit.Limiter, greylister *greylist.Greylister, spamFilter *spam.Filter,
	resolver *dnsx.Resolver, mailStore *maildir.Store, logger *logging.Logger) *Backend {
	return &Backend{
		config:      cfg,
		db:          db,
		authHandler: authHandler,
		queue:       q,
		limiter:     limiter,
		greylister:  greylister,
		spamFilter:  spamFilter,
		resolver:    resolver,
		mailStore:   mailStore,
		logger:      logger.SMTP(),
	}
}

// NewSession is called once per connection, before the server greeting is
// sent.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remoteIP := peerIP(c)

	if !b.limiter.CheckConnectionRate(context.Background(), remoteIP) {
		return nil, &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Too many connections, try again later",
		}
	}
	if b.limiter.IsBlocked(context.Background(), remoteIP) {
		return nil, &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Connection refused",
		}
	}

	metrics.TotalConnections.Inc()
	metrics.ActiveConnections.Inc()

	return &Session{
		backend:     b,
		conn:        c,
		remoteIP:    remoteIP,
		connectedAt: time.Now(),
		ctx:         logging.WithRemoteAddr(context.Background(), remoteIP),
		tlsActive: func() bool {
			_, ok := c.TLSConnectionState()
			return ok
		},
	}, nil
}

// Session implements the go-smtp Session and AuthSession interfaces.
type Session struct {
	backend *Backend
	conn    *smtp.Conn

	remoteIP    string
	connectedAt time.Time
	ctx         context.Context

	user         *store.User
	authedTLS    bool // connection was inside TLS when the user authenticated
	from         string
	rcpts        []string
	authFailures int
	messagesSent int
	bytesIn      int64
	commands     int

	// tlsActive reports whether the connection is currently inside TLS.
	tlsActive func() bool
}

// AuthMechanisms advertises the configured SASL mechanisms.
func (s *Session) AuthMechanisms() []string {
	if !s.backend.config.Auth.Enabled {
		return nil
	}
	var mechs []string
	for _, m := range s.backend.config.AuthMethods() {
		switch m {
		case "PLAIN":
			mechs = append(mechs, sasl.Plain)
		case "LOGIN":
			mechs = append(mechs, sasl.Login)
		case "CRAM-MD5":
			mechs = append(mechs, auth.CRAMMD5)
		}
	}
	return mechs
}

// Auth returns the SASL server for the requested mechanism.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	s.commands++

	if !s.backend.config.Auth.Enabled {
		return nil, &smtp.SMTPError{
			Code:         502,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Authentication not enabled",
		}
	}
	if !s.backend.limiter.CheckAuthAttempts(s.ctx, s.remoteIP) {
		return nil, &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Too many failed authentication attempts",
		}
	}

	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			return s.verifyPassword(username, password, "PLAIN")
		}), nil
	case sasl.Login:
		return sasl.NewLoginServer(func(username, password string) error {
			return s.verifyPassword(username, password, "LOGIN")
		}), nil
	case auth.CRAMMD5:
		return auth.NewCRAMMD5Server(s.backend.config.Server.Hostname, func(username, challenge, digest string) error {
			user, err := s.backend.authHandler.VerifyCRAMMD5(s.ctx, username, challenge, digest, s.remoteIP)
			if err != nil {
				return s.authFailed(username, err)
			}
			s.authSucceeded(user)
			return nil
		}), nil
	default:
		return nil, &smtp.SMTPError{
			Code:         504,
			EnhancedCode: smtp.EnhancedCode{5, 5, 4},
			Message:      fmt.Sprintf("Unrecognized authentication type %s", mech),
		}
	}
}

func (s *Session) verifyPassword(username, password, method string) error {
	user, err := s.backend.authHandler.Authenticate(s.ctx, username, password, s.remoteIP, method)
	if err != nil {
		return s.authFailed(username, err)
	}
	s.authSucceeded(user)
	return nil
}

func (s *Session) authFailed(username string, err error) error {
	s.authFailures++
	metrics.AuthAttempts.WithLabelValues("failure").Inc()

	if s.authFailures >= s.backend.config.Auth.MaxAuthAttempts {
		return &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Too many failed authentication attempts",
		}
	}
	if errors.Is(err, auth.ErrAccountLocked) {
		return &smtp.SMTPError{
			Code:         535,
			EnhancedCode: smtp.EnhancedCode{5, 7, 8},
			Message:      "Account locked",
		}
	}
	return smtp.ErrAuthFailed
}

func (s *Session) authSucceeded(user *store.User) {
	s.user = user
	s.authedTLS = s.tlsActive()
	s.ctx = logging.WithUsername(s.ctx, user.Username)
	metrics.AuthAttempts.WithLabelValues("success").Inc()
	s.backend.logger.InfoContext(s.ctx, "User authenticated")
}

// identifier is the rate-limit key: the authenticated username, else the
// peer IP.
func (s *Session) identifier() string {
	if s.user != nil {
		return s.user.Username
	}
	return s.remoteIP
}

// Mail is called for MAIL FROM.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.commands++

	if opts != nil && opts.Size > 0 && opts.Size > s.backend.config.Limits.MaxMessageSize {
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      "Message exceeds maximum size",
		}
	}

	sender := strings.ToLower(strings.Trim(from, "<>"))
	if entry, err := store.LookupBlacklist(s.ctx, s.backend.db, sender); err == nil && entry != nil {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Sender address blacklisted",
		}
	}
	if domain := validation.AddressDomain(sender); domain != "" {
		if entry, err := store.LookupBlacklist(s.ctx, s.backend.db, domain); err == nil && entry != nil {
			return &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 7, 1},
				Message:      "Sender domain blacklisted",
			}
		}
	}

	if s.backend.config.Policy.VerifySenderDomain && s.user == nil && sender != "" {
		if !s.backend.resolver.VerifySenderDomain(s.ctx, sender) {
			return &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 1, 8},
				Message:      "Sender domain does not resolve",
			}
		}
	}

	if !s.backend.limiter.CheckMessageRate(s.ctx, s.identifier(), s.user != nil) {
		return &smtp.SMTPError{
			Code:         452,
			EnhancedCode: smtp.EnhancedCode{4, 3, 2},
			Message:      "Rate limit exceeded, try again later",
		}
	}

	if s.user != nil && !s.backend.authHandler.CheckDailyQuota(s.ctx, s.user) {
		return &smtp.SMTPError{
			Code:         452,
			EnhancedCode: smtp.EnhancedCode{4, 2, 2},
			Message:      "Daily message quota exceeded",
		}
	}

	s.from = from
	return nil
}

// Rcpt is called for each RCPT TO, applying the recipient policy gates in
// order.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.commands++

	if len(s.rcpts) >= s.backend.config.Limits.MaxRecipientsPerMessage {
		return &smtp.SMTPError{
			Code:         452,
			EnhancedCode: smtp.EnhancedCode{4, 5, 3},
			Message:      "Too many recipients",
		}
	}

	_, domain, err := validation.SplitAddress(to)
	if err != nil {
		return &smtp.SMTPError{
			Code:         501,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient address",
		}
	}

	local, err := store.IsLocalDomain(s.ctx, s.backend.db, domain)
	if err != nil {
		s.backend.logger.ErrorContext(s.ctx, "Recipient domain lookup failed", err, "recipient", to)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary failure, please try again",
		}
	}
	if domain == s.backend.config.Server.Domain {
		local = true
	}

	if !local {
		// Relaying requires an authenticated session.
		if s.backend.config.Auth.Enabled && s.user == nil {
			return &smtp.SMTPError{
				Code:         530,
				EnhancedCode: smtp.EnhancedCode{5, 7, 0},
				Message:      "Authentication required",
			}
		}
	} else {
		user, err := s.backend.authHandler.ValidateLocalRecipient(s.ctx, strings.ToLower(strings.Trim(to, "<>")))
		if err != nil {
			return &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 3, 0},
				Message:      "Temporary failure, please try again",
			}
		}
		if user == nil {
			return &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 1, 1},
				Message:      "User unknown",
			}
		}
	}

	s.rcpts = append(s.rcpts, to)
	return nil
}

// Data accepts the message body and runs the acceptance pipeline: size
// guard, greylist, DNSBL, SPF/DKIM/DMARC, spam scoring, persistence,
// enqueue.
func (s *Session) Data(r io.Reader) error {
	s.commands++

	if len(s.rcpts) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "No recipients specified",
		}
	}

	maxSize := s.backend.config.Limits.MaxMessageSize
	data, err := spam.ReadAll(r, maxSize+1)
	if err != nil {
		s.backend.logger.ErrorContext(s.ctx, "Failed to read message data", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Error reading message data",
		}
	}
	s.bytesIn += int64(len(data))

	if int64(len(data)) > maxSize {
		metrics.MessagesRejected.WithLabelValues("size").Inc()
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      "Message exceeds maximum size",
		}
	}

	if err := s.checkGreylist(); err != nil {
		return err
	}
	if err := s.checkDNSBL(); err != nil {
		return err
	}

	parsed, err := spam.Parse(data)
	if err != nil {
		s.backend.logger.WarnContext(s.ctx, "Unparseable message", "error", err.Error())
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message could not be parsed",
		}
	}

	spfResult, dkimResult, dmarcResult, rejectErr := s.checkAuthenticity(data)
	if rejectErr != nil {
		return rejectErr
	}

	scored := s.backend.spamFilter.Check(s.ctx, parsed, s.from, s.remoteIP)
	metrics.SpamScores.Observe(scored.Score)
	if scored.Reject() {
		metrics.MessagesRejected.WithLabelValues("spam").Inc()
		// Repeated spam submissions earn the sender a temporary block.
		s.backend.limiter.RecordFailure(s.ctx, s.identifier(), ratelimit.FailureSpam)
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Message rejected as spam",
		}
	}

	msg := s.buildMessage(data, parsed, spfResult, dkimResult, dmarcResult)

	if err := s.persistAndRoute(msg, scored, data); err != nil {
		s.backend.logger.ErrorContext(s.ctx, "Failed to accept message", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary failure",
		}
	}

	s.messagesSent++
	metrics.MessagesReceived.Inc()
	s.backend.logger.InfoContext(logging.WithMessageID(s.ctx, msg.MessageID),
		"Message accepted", "recipients", len(msg.RcptTo), "size", msg.Size, "spam_score", scored.Score)
	return nil
}

// checkGreylist defers first-contact triples for unauthenticated peers.
func (s *Session) checkGreylist() error {
	if s.user != nil || !s.backend.greylister.IsEnabled() {
		return nil
	}
	for _, rcpt := range s.rcpts {
		allow, _, err := s.backend.greylister.Check(s.ctx, s.remoteIP, s.from, rcpt)
		if err != nil {
			s.backend.logger.ErrorContext(s.ctx, "Greylist check failed", err)
			return nil
		}
		if !allow {
			metrics.MessagesRejected.WithLabelValues("greylist").Inc()
			return &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 7, 1},
				Message:      "Greylisted, try again later",
			}
		}
	}
	return nil
}

// checkDNSBL rejects peers listed on any configured DNSBL.
func (s *Session) checkDNSBL() error {
	if s.user != nil || !s.backend.config.Policy.EnableBlacklistCheck {
		return nil
	}
	servers := s.backend.config.BlacklistServers()
	if len(servers) == 0 {
		return nil
	}
	for server, listed := range s.backend.resolver.Blacklists(s.ctx, s.remoteIP, servers) {
		if listed {
			metrics.MessagesRejected.WithLabelValues("dnsbl").Inc()
			return &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 7, 1},
				Message:      fmt.Sprintf("Connection rejected, listed on %s", server),
			}
		}
	}
	return nil
}

// checkAuthenticity runs SPF, DKIM and DMARC on unauthenticated inbound
// mail, applying the configured failure policies.
func (s *Session) checkAuthenticity(raw []byte) (spfResult, dkimResult, dmarcResult string, rejectErr error) {
	if s.user != nil {
		return "", "", "", nil
	}
	policy := s.backend.config.Policy

	if policy.SPFChecking {
		result := s.backend.resolver.SPF(s.ctx, s.remoteIP, s.from, s.conn.Hostname())
		spfResult = result.Result
		reject := false
		switch policy.SPFFailurePolicy {
		case "fail":
			reject = spfResult == "fail" || spfResult == "softfail"
		case "softfail":
			reject = spfResult == "fail"
		}
		if reject {
			metrics.MessagesRejected.WithLabelValues("spf").Inc()
			return spfResult, "", "", &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 7, 23},
				Message:      fmt.Sprintf("SPF check failed: %s", result.Explanation),
			}
		}
	}

	dkimResult, _ = dkim.Verify(raw, func(domain string) ([]string, error) {
		return s.backend.resolver.TXT(s.ctx, domain)
	})

	if policy.DMARCChecking {
		senderDomain := validation.AddressDomain(s.from)
		if senderDomain != "" {
			record, err := s.backend.resolver.DMARC(s.ctx, senderDomain)
			if err == nil && record != nil {
				aligned := spfResult == "pass" || dkimResult == "pass"
				if aligned {
					dmarcResult = "pass"
				} else {
					dmarcResult = "fail"
					effective := record.Policy
					if policy.DMARCFailurePolicy == "none" {
						effective = "none"
					}
					if effective == "reject" && policy.DMARCFailurePolicy == "reject" {
						metrics.MessagesRejected.WithLabelValues("dmarc").Inc()
						return spfResult, dkimResult, dmarcResult, &smtp.SMTPError{
							Code:         550,
							EnhancedCode: smtp.EnhancedCode{5, 7, 1},
							Message:      "Message rejected by DMARC policy",
						}
					}
				}
			} else {
				dmarcResult = "none"
			}
		}
	}
	return spfResult, dkimResult, dmarcResult, nil
}

func (s *Session) buildMessage(raw []byte, parsed *spam.ParsedMessage, spfResult, dkimResult, dmarcResult string) *store.Message {
	messageID := parsed.MessageID
	if messageID == "" {
		messageID = fmt.Sprintf("<%s@%s>", randomID(), s.backend.config.Server.Hostname)
	}

	decoded := extractBodies(raw)
	subject := decoded.Subject
	if subject == "" {
		subject = parsed.Subject
	}

	headers := make(map[string]string)
	if subject != "" {
		headers["Subject"] = subject
	}
	if len(parsed.From) > 0 {
		headers["From"] = parsed.From[0]
	}
	if parsed.Date != "" {
		headers["Date"] = parsed.Date
	}
	headers["Message-ID"] = messageID

	var senderID int64
	if s.user != nil {
		senderID = s.user.ID
	}

	rcpts := make([]string, len(s.rcpts))
	for i, r := range s.rcpts {
		rcpts[i] = strings.ToLower(strings.Trim(r, "<>"))
	}

	return &store.Message{
		MessageID:   messageID,
		MailFrom:    strings.ToLower(strings.Trim(s.from, "<>")),
		RcptTo:      rcpts,
		Subject:     subject,
		Headers:     headers,
		BodyText:    decoded.Text,
		BodyHTML:    decoded.HTML,
		RawMessage:  raw,
		Size:        int64(len(raw)),
		SPFResult:   spfResult,
		DKIMResult:  dkimResult,
		DMARCResult: dmarcResult,
		RemoteIP:    s.remoteIP,
		SenderID:    senderID,
	}
}

// persistAndRoute commits the message row (plus its spam score and quota
// bump) and then routes it: a message whose recipients are all local goes
// to local maildirs; one with any external recipient enters the delivery
// queue. The row exists before the 250 is emitted.
func (s *Session) persistAndRoute(msg *store.Message, scored spam.Result, raw []byte) error {
	err := s.backend.db.WithTx(s.ctx, func(tx *sql.Tx) error {
		id, err := store.InsertMessage(s.ctx, tx, msg)
		if err != nil {
			return err
		}
		msg.ID = id

		score := &store.SpamScore{
			MessageID:      msg.MessageID,
			TotalScore:     scored.Score,
			SpamThreshold:  spam.MarkThreshold,
			IsSpam:         scored.Mark(),
			Scores:         scored.Scores,
			RulesTriggered: scored.RulesTriggered,
		}
		if err := store.InsertSpamScore(s.ctx, tx, score); err != nil {
			return err
		}

		if s.user != nil {
			if err := store.IncrementMessagesSentToday(s.ctx, tx, s.user.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !s.hasExternalRecipients(msg.RcptTo) {
		return s.deliverLocal(msg, raw)
	}

	if err := s.backend.queue.Enqueue(s.ctx, msg.ID, queue.DefaultPriority); err != nil {
		return err
	}
	metrics.MessagesQueued.Inc()
	return nil
}

func (s *Session) hasExternalRecipients(rcpts []string) bool {
	for _, rcpt := range rcpts {
		domain := validation.AddressDomain(rcpt)
		if domain == s.backend.config.Server.Domain {
			continue
		}
		local, err := store.IsLocalDomain(s.ctx, s.backend.db, domain)
		if err != nil || !local {
			return true
		}
	}
	return false
}

func (s *Session) deliverLocal(msg *store.Message, raw []byte) error {
	delivered := 0
	for _, rcpt := range msg.RcptTo {
		user, err := s.backend.authHandler.ValidateLocalRecipient(s.ctx, rcpt)
		if err != nil || user == nil {
			continue
		}
		if err := s.backend.mailStore.Deliver(user.ID, raw); err != nil {
			s.backend.logger.ErrorContext(s.ctx, "Local delivery failed", err, "recipient", rcpt)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errors.New("local delivery failed for all recipients")
	}
	return store.MarkMessageSent(s.ctx, s.backend.db, msg.ID)
}

// Reset clears the transaction state. go-smtp calls it for RSET, after a
// completed DATA, and as part of the post-STARTTLS state reset, reusing
// the same session across the TLS upgrade. RSET keeps authentication, but
// crossing into TLS must not: credentials presented in the clear do not
// carry into the upgraded session, so MAIL FROM after STARTTLS requires a
// fresh AUTH.
func (s *Session) Reset() {
	s.from = ""
	s.rcpts = nil

	if s.user != nil && s.tlsActive() && !s.authedTLS {
		s.backend.logger.InfoContext(s.ctx, "Dropping pre-TLS authentication after STARTTLS")
		s.user = nil
		s.ctx = logging.WithRemoteAddr(context.Background(), s.remoteIP)
	}
}

// Logout persists the connection record when the session ends.
func (s *Session) Logout() error {
	metrics.ActiveConnections.Dec()

	protocol := "SMTP"
	if s.conn.Hostname() != "" {
		protocol = "ESMTP"
	}
	_, tlsOn := s.conn.TLSConnectionState()

	conn := &store.Connection{
		RemoteIP:          s.remoteIP,
		RemotePort:        peerPort(s.conn),
		HELOHostname:      s.conn.Hostname(),
		Protocol:          protocol,
		TLSEnabled:        tlsOn,
		Authenticated:     s.user != nil,
		MessagesSent:      s.messagesSent,
		BytesReceived:     s.bytesIn,
		CommandsReceived:  s.commands,
		ConnectedAt:       s.connectedAt,
	}
	if s.user != nil {
		conn.AuthenticatedUser = s.user.Username
	}

	if err := store.InsertConnection(s.ctx, s.backend.db, conn); err != nil {
		s.backend.logger.ErrorContext(s.ctx, "Failed to record connection", err)
	}
	return nil
}

func peerIP(c *smtp.Conn) string {
	if c.Conn() == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(c.Conn().RemoteAddr().String())
	if err != nil {
		return c.Conn().RemoteAddr().String()
	}
	return host
}

func peerPort(c *smtp.Conn) int {
	if c.Conn() == nil {
		return 0
	}
	_, portStr, err := net.SplitHostPort(c.Conn().RemoteAddr().String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

func randomID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
