package challenge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/ap2-agents/pkg/config"
	"github.com/angelmondragon/ap2-agents/pkg/enums"
	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
	"github.com/angelmondragon/ap2-agents/pkg/logger"
	"github.com/angelmondragon/ap2-agents/pkg/mandates"
	"github.com/angelmondragon/ap2-agents/pkg/security"
)

const (
	TypeOTP = "otp"

	promptText = "The payment method issuer sent a verification code to the phone number on file, " +
		"please enter it below. It will be shared with the issuer so they can authorize the transaction."
	fixedHint    = " (Demo only hint: the code is %s)"
	mismatchText = "Challenge response incorrect. Please enter the verification code again."
	lockedText   = "Too many incorrect challenge responses."
)

// Challenge is the payload returned to the caller when a challenge is raised.
type Challenge struct {
	Type        string `json:"type"`
	DisplayText string `json:"display_text"`
}

// Deliverer sends a freshly drawn code to the payer out of band.
type Deliverer interface {
	Deliver(ctx context.Context, taskID, code string) error
}

// LogDeliverer stands in for the issuer's SMS channel by logging the code at
// debug level.
type LogDeliverer struct {
	Logger *logger.Logger
}

// Deliver logs the code at debug level.
func (d LogDeliverer) Deliver(ctx context.Context, taskID, code string) error {
	if d.Logger == nil {
		return nil
	}
	d.Logger.Debug(d.Logger.WithFields(ctx, map[string]any{"challenge_task_id": taskID, "code": code}), "challenge.delivered")
	return nil
}

// Params configures the challenge service.
type Params struct {
	Store     Store
	Config    config.ProcessorConfig
	Deliverer Deliverer
	Logger    *logger.Logger
	Now       func() time.Time
}

// Service issues one-time codes per task and checks responses against the
// code issued for that task only.
type Service struct {
	store     Store
	mode      enums.ChallengeMode
	fixedCode string
	digits    int
	ttl       time.Duration
	maxTries  int
	params    security.ArgonParams
	deliverer Deliverer
	logg      *logger.Logger
	now       func() time.Time
}

// NewService returns a challenge service. Store is required.
func NewService(p Params) (*Service, error) {
	if p.Store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "challenge store required")
	}
	mode, err := enums.ParseChallengeMode(strings.ToLower(strings.TrimSpace(p.Config.ChallengeMode)))
	if err != nil {
		return nil, err
	}
	if mode == enums.ChallengeModeFixed && p.Config.ChallengeCode == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "fixed challenge mode requires a code")
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.Deliverer == nil {
		p.Deliverer = LogDeliverer{Logger: p.Logger}
	}
	if p.Now == nil {
		p.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:     p.Store,
		mode:      mode,
		fixedCode: p.Config.ChallengeCode,
		digits:    p.Config.ChallengeDigits,
		ttl:       p.Config.ChallengeTTL,
		maxTries:  p.Config.MaxAttempts,
		params:    security.ParamsFromConfig(p.Config),
		deliverer: p.Deliverer,
		logg:      p.Logger,
		now:       p.Now,
	}, nil
}

// Lookup returns the record issued for taskID. It fails with NotFound when
// no challenge was raised.
func (s *Service) Lookup(ctx context.Context, taskID string) (*Record, error) {
	return s.store.Get(ctx, taskID)
}

// Issue raises a challenge for taskID and remembers the payment it gates.
// Issuing again for a task that already has a live challenge is rejected.
func (s *Service) Issue(ctx context.Context, taskID string, pm mandates.PaymentMandate, riskData string) (Challenge, error) {
	if existing, err := s.store.Get(ctx, taskID); err == nil && existing.State == enums.ChallengeStateChallenged {
		return Challenge{}, pkgerrors.Newf(pkgerrors.CodeStateConflict, "challenge already issued for task %s", taskID)
	} else if err != nil && !pkgerrors.Is(err, pkgerrors.CodeNotFound) {
		return Challenge{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load challenge")
	}

	code, err := s.drawCode()
	if err != nil {
		return Challenge{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "draw challenge code")
	}
	hash, err := security.HashSecret(code, s.params)
	if err != nil {
		return Challenge{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "hash challenge code")
	}
	now := s.now()
	rec := Record{
		TaskID:         taskID,
		State:          enums.ChallengeStateChallenged,
		CodeHash:       hash,
		PaymentMandate: pm,
		RiskData:       riskData,
		IssuedAt:       now,
	}
	if s.ttl > 0 {
		rec.ExpiresAt = now.Add(s.ttl)
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return Challenge{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save challenge")
	}

	text := promptText
	if s.mode == enums.ChallengeModeFixed {
		text += fmt.Sprintf(fixedHint, code)
	} else if err := s.deliverer.Deliver(ctx, taskID, code); err != nil {
		return Challenge{}, pkgerrors.Wrap(pkgerrors.CodeDownstream, err, "deliver challenge code")
	}
	s.logg.Info(s.logg.WithField(ctx, "challenge_mode", string(s.mode)), "challenge.issued")
	return Challenge{Type: TypeOTP, DisplayText: text}, nil
}

// Verify checks response against the code issued for taskID. A mismatch
// leaves the challenge open and fails with ChallengeMismatch until the
// configured attempt limit is spent, which fails the challenge for good. A
// match consumes it. A consumed or expired challenge never verifies again.
func (s *Service) Verify(ctx context.Context, taskID, response string) (*Record, error) {
	rec, err := s.store.Get(ctx, taskID)
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.CodeNotFound) {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load challenge")
	}
	if rec.State.IsFinal() {
		return nil, pkgerrors.Newf(pkgerrors.CodeStateConflict, "challenge for task %s is %s", taskID, rec.State).
			WithDetails(map[string]any{"state": rec.State})
	}
	if rec.Expired(s.now()) {
		rec.State = enums.ChallengeStateFailed
		if err := s.store.Save(ctx, *rec); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save challenge")
		}
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "challenge has expired")
	}

	rec.Attempts++
	ok := false
	if response = strings.TrimSpace(response); response != "" {
		ok, err = security.VerifySecret(response, rec.CodeHash)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "verify challenge")
		}
	}
	if !ok {
		exhausted := s.maxTries > 0 && rec.Attempts >= s.maxTries
		if exhausted {
			rec.State = enums.ChallengeStateFailed
		}
		if err := s.store.Save(ctx, *rec); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save challenge")
		}
		s.logg.Warn(s.logg.WithField(ctx, "attempts", rec.Attempts), "challenge.mismatch")
		if exhausted {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, lockedText).
				WithDetails(map[string]any{"attempts": rec.Attempts})
		}
		return nil, pkgerrors.New(pkgerrors.CodeChallengeMismatch, mismatchText)
	}

	rec.State = enums.ChallengeStateSatisfied
	if err := s.store.Save(ctx, *rec); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save challenge")
	}
	s.logg.Info(s.logg.WithField(ctx, "attempts", rec.Attempts), "challenge.satisfied")
	return rec, nil
}

// Fail closes an open challenge, for example when its task ends without a
// successful payment.
func (s *Service) Fail(ctx context.Context, taskID string) error {
	rec, err := s.store.Get(ctx, taskID)
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.CodeNotFound) {
			return nil
		}
		return err
	}
	if rec.State.IsFinal() {
		return nil
	}
	rec.State = enums.ChallengeStateFailed
	return s.store.Save(ctx, *rec)
}

func (s *Service) drawCode() (string, error) {
	if s.mode == enums.ChallengeModeFixed {
		return s.fixedCode, nil
	}
	return security.GenerateNumericCode(s.digits)
}
