// Package delivery implements outbound delivery to remote MX hosts.
package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"sync"
	"time"

	"github.com/courier-mta/courierd/internal/dkim"
	"github.com/courier-mta/courierd/internal/dnsx"
	"github.com/courier-mta/courierd/internal/logging"
	"github.com/courier-mta/courierd/internal/metrics"
	"github.com/courier-mta/courierd/internal/queue"
	"github.com/courier-mta/courierd/internal/ratelimit"
	"github.com/courier-mta/courierd/internal/resilience"
	"github.com/courier-mta/courierd/internal/store"
	"github.com/courier-mta/courierd/internal/validation"
)

// Common errors
var (
	ErrPermanentFailure = errors.New("permanent delivery failure")
	ErrTemporaryFailure = errors.New("temporary delivery failure")
	ErrCircuitOpen      = errors.New("circuit breaker open for domain")
	ErrAllMXFailed      = errors.New("all MX servers failed")
)

// Config configures the delivery engine.
type Config struct {
	// Workers is the number of concurrent delivery workers.
	Workers int
	// Hostname is the EHLO hostname.
	Hostname string
	// ConnectTimeout is the TCP connection timeout.
	ConnectTimeout time.Duration
	// DataTimeout bounds the SMTP dialog including DATA.
	DataTimeout time.Duration
	// RetryAttempts is the attempt count after which a message fails.
	RetryAttempts int
	// StaleTimeout is the in-flight age after which a message is reaped.
	StaleTimeout time.Duration
	// EnableDKIM turns on outbound signing.
	EnableDKIM bool
	// VerifyTLS verifies remote certificates during STARTTLS.
	VerifyTLS bool
}

// Engine drains the queue and delivers messages to remote MX hosts.
type Engine struct {
	config   Config
	db       *store.DB
	queue    *queue.Queue
	resolver *dnsx.Resolver
	limiter  *ratelimit.Limiter
	breakers *resilience.Registry
	logger   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a delivery engine.
func NewEngine(cfg Config, db *store.DB, q *queue.Queue, resolver *dnsx.Resolver, limiter *ratelimit.Limiter, logger *logging.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Engine{
		config:   cfg,
		db:       db,
		queue:    q,
		resolver: resolver,
		limiter:  limiter,
		breakers: resilience.NewRegistry(resilience.DefaultConfig()),
		logger:   logger.Delivery(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the worker pool, the retry promoter and the stale reaper.
func (e *Engine) Start() {
	e.logger.Info("Starting delivery engine", "workers", e.config.Workers)

	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}

	e.wg.Add(1)
	go e.promoteLoop()

	e.wg.Add(1)
	go e.reapLoop()
}

// Stop lets in-flight deliveries finish their current attempt, then
// returns.
func (e *Engine) Stop() {
	e.logger.Info("Stopping delivery engine")
	e.cancel()
	e.wg.Wait()
	e.logger.Info("Delivery engine stopped")
}

// worker dequeues and delivers one message at a time.
func (e *Engine) worker(id int) {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		ids, err := e.queue.Dequeue(e.ctx, 1)
		if err != nil {
			if e.ctx.Err() == nil {
				e.logger.Error("Failed to dequeue", "error", err.Error(), "worker_id", id)
			}
			sleepCtx(e.ctx, time.Second)
			continue
		}
		if len(ids) == 0 {
			sleepCtx(e.ctx, 500*time.Millisecond)
			continue
		}

		for _, msgID := range ids {
			e.safeProcess(msgID)
		}
	}
}

// safeProcess isolates a panic to the message being processed; the worker
// keeps running and the message re-enters the retry cycle.
func (e *Engine) safeProcess(msgID int64) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Delivery worker panic", "panic", fmt.Sprintf("%v", r), "id", msgID)
			e.queue.RequeueFailed(e.ctx, msgID, queue.RetryDelay(1))
		}
	}()
	e.processMessage(msgID)
}

// promoteLoop advances the retry queue every second.
func (e *Engine) promoteLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.queue.PromoteRetry(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("Failed to promote retries", "error", err.Error())
			}
		}
	}
}

// reapLoop requeues messages stuck in-flight.
func (e *Engine) reapLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.StaleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			reaped, err := e.queue.ReapStale(e.ctx, e.config.StaleTimeout, func(ctx context.Context, id int64) (time.Time, error) {
				ts, err := store.MessageUpdatedAt(ctx, e.db, id)
				if err != nil {
					return time.Time{}, err
				}
				return time.Unix(ts, 0), nil
			})
			if err != nil && e.ctx.Err() == nil {
				e.logger.Error("Stale reaping failed", "error", err.Error())
			} else if reaped > 0 {
				e.logger.Info("Requeued stale messages", "count", reaped)
			}
		}
	}
}

// processMessage runs one delivery pass for a dequeued message and settles
// its queue state.
func (e *Engine) processMessage(msgID int64) {
	// Detached from Stop's cancellation so a started attempt runs to its end.
	ctx := context.WithoutCancel(e.ctx)

	msg, err := store.GetMessage(ctx, e.db, msgID)
	if err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			e.queue.MarkCompleted(ctx, msgID)
			return
		}
		e.logger.Error("Failed to load message", "error", err.Error(), "id", msgID)
		e.queue.RequeueFailed(ctx, msgID, queue.RetryDelay(1))
		return
	}

	ctx = logging.WithMessageID(ctx, msg.MessageID)
	logger := e.logger.WithFields("message_id", msg.MessageID)

	if err := store.SetMessageStatus(ctx, e.db, msg.ID, store.StatusProcessing); err != nil {
		// Terminal messages have nothing left to deliver.
		e.queue.MarkCompleted(ctx, msg.ID)
		return
	}

	start := time.Now()
	result := e.deliver(ctx, msg)
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	if result.success {
		logger.InfoContext(ctx, "Message delivered")
		store.MarkMessageSent(ctx, e.db, msg.ID)
		e.queue.MarkCompleted(ctx, msg.ID)
		metrics.MessagesSent.Inc()
		return
	}

	attempts, err := store.IncrementAttempts(ctx, e.db, msg.ID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to record attempt count", err)
		attempts = msg.Attempts + 1
	}

	if result.permanent || attempts >= e.config.RetryAttempts {
		logger.WarnContext(ctx, "Message permanently failed",
			"attempts", attempts, "permanent", result.permanent)
		store.SetMessageStatus(ctx, e.db, msg.ID, store.StatusFailed)
		e.queue.Remove(ctx, msg.ID)
		e.recordBounce(ctx, msg)
		metrics.MessagesFailed.Inc()
		return
	}

	delay := queue.RetryDelay(attempts)
	store.SetNextRetry(ctx, e.db, msg.ID, time.Now().Add(delay).Unix())
	store.SetMessageStatus(ctx, e.db, msg.ID, store.StatusQueued)
	e.queue.RequeueFailed(ctx, msg.ID, delay)
	metrics.DeliveryRetries.Inc()
	logger.InfoContext(ctx, "Delivery deferred", "attempts", attempts, "retry_in", delay.String())
}

// recordBounce counts a permanent failure against the submitting sender:
// enough bounces inside a day earn a temporary block. The identifier
// mirrors the rate limiter's keying, username for authenticated
// submissions, peer IP otherwise.
func (e *Engine) recordBounce(ctx context.Context, msg *store.Message) {
	if e.limiter == nil {
		return
	}
	identifier := msg.RemoteIP
	if msg.SenderID != 0 {
		if username, err := store.GetUsernameByID(ctx, e.db, msg.SenderID); err == nil {
			identifier = username
		}
	}
	e.limiter.RecordFailure(ctx, identifier, ratelimit.FailureBounce)
}

type passResult struct {
	success   bool
	permanent bool
}

// deliver runs one delivery pass: group recipients by domain, sign once,
// walk each domain's MX hosts. The pass succeeds only when every domain
// succeeds.
func (e *Engine) deliver(ctx context.Context, msg *store.Message) passResult {
	byDomain := groupByDomain(msg.RcptTo)
	if len(byDomain) == 0 {
		return passResult{permanent: true}
	}

	data := e.signMessage(ctx, msg)

	allOK := true
	anyPermanent := false
	for domain, rcpts := range byDomain {
		dctx := logging.WithDomain(ctx, domain)
		ok, permanent := e.deliverToDomain(dctx, msg, domain, rcpts, data)
		if !ok {
			allOK = false
			anyPermanent = anyPermanent || permanent
		}
	}
	return passResult{success: allOK, permanent: anyPermanent}
}

// signMessage applies the sender domain's DKIM signature when key material
// exists. Signing failures deliver the message unsigned.
func (e *Engine) signMessage(ctx context.Context, msg *store.Message) []byte {
	if !e.config.EnableDKIM {
		return msg.RawMessage
	}
	senderDomain := validation.AddressDomain(msg.MailFrom)
	if senderDomain == "" {
		return msg.RawMessage
	}

	domain, err := store.GetDomain(ctx, e.db, senderDomain)
	if err != nil || domain.DKIMPrivateKey == "" {
		return msg.RawMessage
	}

	signer, err := dkim.NewSigner(domain.Name, domain.DKIMSelector, domain.DKIMPrivateKey)
	if err != nil {
		e.logger.WarnContext(ctx, "DKIM signer unavailable", "error", err.Error())
		return msg.RawMessage
	}

	signed, err := signer.SignBytes(msg.RawMessage)
	if err != nil {
		e.logger.WarnContext(ctx, "DKIM signing failed", "error", err.Error())
		return msg.RawMessage
	}
	return signed
}

// deliverToDomain walks the domain's MX hosts in priority order, each
// host's addresses in turn. A 5xx ends the walk; 4xx and transport errors
// move on to the next address.
func (e *Engine) deliverToDomain(ctx context.Context, msg *store.Message, domain string, rcpts []string, data []byte) (ok, permanent bool) {
	breaker := e.breakers.Get(domain)
	if !breaker.Allow() {
		e.logger.WarnContext(ctx, "Circuit breaker open, deferring")
		e.recordAttempt(ctx, msg, &store.DeliveryAttempt{
			ErrorMessage: ErrCircuitOpen.Error(),
		})
		return false, false
	}

	mxRecords, err := e.resolver.MX(ctx, domain)
	if err != nil {
		e.logger.WarnContext(ctx, "MX resolution failed", "error", err.Error())
		e.recordAttempt(ctx, msg, &store.DeliveryAttempt{
			ErrorMessage: fmt.Sprintf("no MX records for %s: %v", domain, err),
		})
		breaker.RecordFailure()
		// NXDOMAIN for MX is permanent for the domain.
		return false, errors.Is(err, dnsx.ErrNoMXRecords)
	}

	var lastErr error
	for _, mx := range mxRecords {
		for _, ip := range mx.IPs {
			err := e.deliverToHost(ctx, msg, mx.Hostname, ip, rcpts, data)
			if err == nil {
				breaker.RecordSuccess()
				return true, false
			}
			lastErr = err
			if errors.Is(err, ErrPermanentFailure) {
				breaker.RecordFailure()
				return false, true
			}
		}
	}

	breaker.RecordFailure()
	e.logger.WarnContext(ctx, "All MX hosts failed",
		"error", fmt.Sprintf("%v: %v", ErrAllMXFailed, lastErr))
	return false, false
}

// deliverToHost performs one SMTP dialog with a single address and records
// the attempt.
func (e *Engine) deliverToHost(ctx context.Context, msg *store.Message, hostname, ip string, rcpts []string, data []byte) error {
	attempt := &store.DeliveryAttempt{
		MessageID:     msg.ID,
		AttemptNumber: msg.Attempts + 1,
		MXHostname:    hostname,
		RemoteIP:      ip,
	}
	start := time.Now()

	err := e.smtpDialog(ctx, hostname, ip, msg.MailFrom, rcpts, data, attempt, start)
	if err != nil {
		attempt.Success = false
		attempt.ErrorMessage = err.Error()
		if code := statusCode(err); code != 0 {
			attempt.StatusCode = code
		}
	} else {
		attempt.Success = true
		attempt.StatusCode = 250
		attempt.Response = "Message accepted for delivery"
		attempt.DeliveryTime = time.Since(start).Seconds()
	}
	e.recordAttempt(ctx, msg, attempt)

	return err
}

func (e *Engine) smtpDialog(ctx context.Context, hostname, ip, from string, rcpts []string, data []byte, attempt *store.DeliveryAttempt, start time.Time) error {
	dialer := &net.Dialer{Timeout: e.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, "25"))
	if err != nil {
		return fmt.Errorf("%w: connection failed: %v", ErrTemporaryFailure, err)
	}
	defer conn.Close()
	attempt.ConnectionTime = time.Since(start).Seconds()

	conn.SetDeadline(time.Now().Add(e.config.DataTimeout))

	client, err := smtp.NewClient(conn, hostname)
	if err != nil {
		return classifyError(err)
	}
	defer client.Close()

	if err := client.Hello(e.config.Hostname); err != nil {
		return classifyError(err)
	}

	// Opportunistic TLS; absence is not failure.
	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName:         hostname,
			InsecureSkipVerify: !e.config.VerifyTLS,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			e.logger.DebugContext(ctx, "STARTTLS failed, continuing in clear",
				"host", hostname, "error", err.Error())
		} else if state, ok := client.TLSConnectionState(); ok {
			attempt.TLSVersion = tlsVersionName(state.Version)
			attempt.CipherSuite = tls.CipherSuiteName(state.CipherSuite)
		}
	}

	if err := client.Mail(from); err != nil {
		return classifyError(err)
	}

	accepted := 0
	var rcptErr error
	for _, rcpt := range rcpts {
		if err := client.Rcpt(rcpt); err != nil {
			rcptErr = err
			e.logger.WarnContext(ctx, "Recipient refused",
				"recipient", rcpt, "error", err.Error())
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return classifyError(rcptErr)
	}

	w, err := client.Data()
	if err != nil {
		return classifyError(err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("%w: data write failed: %v", ErrTemporaryFailure, err)
	}
	if err := w.Close(); err != nil {
		return classifyError(err)
	}

	client.Quit()
	return nil
}

func (e *Engine) recordAttempt(ctx context.Context, msg *store.Message, attempt *store.DeliveryAttempt) {
	attempt.MessageID = msg.ID
	if attempt.AttemptNumber == 0 {
		attempt.AttemptNumber = msg.Attempts + 1
	}
	if err := store.InsertDeliveryAttempt(ctx, e.db, attempt); err != nil {
		e.logger.ErrorContext(ctx, "Failed to record delivery attempt", err)
	}
}

// groupByDomain buckets recipients by their lowercased domain.
func groupByDomain(rcpts []string) map[string][]string {
	grouped := make(map[string][]string)
	for _, rcpt := range rcpts {
		domain := validation.AddressDomain(rcpt)
		if domain == "" {
			continue
		}
		grouped[domain] = append(grouped[domain], rcpt)
	}
	return grouped
}

// classifyError maps SMTP dialog errors onto the permanent/temporary
// split: 5xx is permanent, everything else retries.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		if protoErr.Code >= 500 {
			return fmt.Errorf("%w: %w", ErrPermanentFailure, err)
		}
		return fmt.Errorf("%w: %w", ErrTemporaryFailure, err)
	}
	// net/smtp surfaces some responses as bare strings.
	msg := err.Error()
	if len(msg) >= 3 && msg[0] == '5' && isDigit(msg[1]) && isDigit(msg[2]) {
		return fmt.Errorf("%w: %v", ErrPermanentFailure, err)
	}
	return fmt.Errorf("%w: %v", ErrTemporaryFailure, err)
}

func statusCode(err error) int {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code
	}
	return 0
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func tlsVersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLSv1.0"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	default:
		return fmt.Sprintf("0x%04x", version)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
