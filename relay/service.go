package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"teorelay/protocol"
)

var (
	ErrDiscountNotFound = errors.New("discount request not found")
	ErrExecutionFailed  = errors.New("on-chain execution failed")
)

// Service is the mock relay: it verifies signed requests, executes them
// through an Executor paying gas from the platform, and keeps the ledger.
type Service struct {
	db      *gorm.DB
	exec    Executor
	policy  protocol.StakingPolicy
	metrics *Metrics
	log     zerolog.Logger
	now     func() time.Time

	// one mutation at a time, held across execution so checks stay valid
	// and hot wallet transactions go out in order
	mu sync.Mutex
}

// NewService - Initialize relay service
func NewService(db *gorm.DB, exec Executor, log zerolog.Logger) *Service {
	return &Service{
		db:     db,
		exec:   exec,
		policy: protocol.DefaultStakingPolicy(),
		log:    log.With().Str("component", "relay").Logger(),
		now:    time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithPolicy(p protocol.StakingPolicy) *Service {
	s.policy = p
	return s
}

func (s *Service) WithMetrics(m *Metrics) *Service {
	s.metrics = m
	return s
}

// DiscountResult - Accepted discount request and its transaction
type DiscountResult struct {
	Request   *DiscountRequest
	Execution *Execution
}

// StakeResult - Accepted stake/unstake and resulting position
type StakeResult struct {
	Amount    *big.Int
	State     *protocol.TierState
	Execution *Execution
}

// verify applies the checks that do not need the ledger: deadline first, so
// an expired request is rejected whatever its signature, then the signature.
func (s *Service) verify(req *protocol.SignedOperationRequest, want protocol.OperationType, now time.Time) error {
	if req.Operation != want {
		return protocol.Reject(protocol.ReasonInvalidRequest, "expected %s request", want)
	}
	if req.Expired(now) {
		return protocol.Reject(protocol.ReasonExpired, "deadline %s passed", req.Deadline.UTC().Format(time.RFC3339))
	}
	err := req.Verify()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, protocol.ErrInvalidSignature):
		return protocol.Reject(protocol.ReasonInvalidSignature, "%v", err)
	case errors.Is(err, protocol.ErrMissingRequiredField):
		return protocol.Reject(protocol.ReasonMissingRequiredField, "%v", err)
	}
	return protocol.Reject(protocol.ReasonInvalidRequest, "%v", err)
}

func (s *Service) checkNonce(tx *gorm.DB, req *protocol.SignedOperationRequest) error {
	used, err := nonceUsed(tx, req.Signer, req.Operation, req.Nonce)
	if err != nil {
		return err
	}
	if used {
		return protocol.Reject(protocol.ReasonNonceReplay, "nonce %d already used for %s", req.Nonce, req.Operation)
	}
	return nil
}

func (s *Service) execute(ctx context.Context, call Call) (*Execution, error) {
	start := time.Now()
	exec, err := s.exec.Execute(ctx, call)
	if err != nil {
		s.log.Error().Err(err).Stringer("action", call.Action).Str("from", call.From.Hex()).Msg("execution failed")
		return nil, fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
	s.metrics.executed(call.Action, time.Since(start), exec.GasCost())
	return exec, nil
}

func (s *Service) record(op protocol.OperationType, err error) {
	outcome := "accepted"
	if err != nil {
		outcome = string(protocol.ReasonOf(err))
		if errors.Is(err, ErrExecutionFailed) {
			outcome = "execution_failed"
		}
	}
	s.metrics.request(op.String(), outcome)
}

// finish applies the ledger effects of an executed call and marks its nonce
// executed. When this fails the nonce stays reserved, so the same signed
// request is refused instead of being sent on chain again.
func (s *Service) finish(ctx context.Context, req *protocol.SignedOperationRequest, exec *Execution, effects func(tx *gorm.DB) error) error {
	err := s.db.WithContext(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
		if err := effects(tx); err != nil {
			return err
		}
		return settleNonce(tx, req.Signer, req.Operation, req.Nonce, NonceExecuted, exec.TxHash)
	})
	if err != nil {
		s.log.Error().Err(err).Str("tx", exec.TxHash.Hex()).Str("signer", req.Signer.Hex()).
			Stringer("op", req.Operation).Uint64("nonce", req.Nonce).Msg("executed on chain but ledger update failed")
	}
	return err
}

// abort returns what a failed execution reserved. The nonce remains taken.
func (s *Service) abort(ctx context.Context, req *protocol.SignedOperationRequest, undo func(tx *gorm.DB) error) {
	err := s.db.WithContext(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
		if err := undo(tx); err != nil {
			return err
		}
		return settleNonce(tx, req.Signer, req.Operation, req.Nonce, NonceFailed, common.Hash{})
	})
	if err != nil {
		s.log.Error().Err(err).Str("signer", req.Signer.Hex()).Stringer("op", req.Operation).
			Uint64("nonce", req.Nonce).Msg("failed to release reservation")
	}
}

// adjust loads addr, applies change and saves it.
func adjust(tx *gorm.DB, addr common.Address, change func(acc *Account)) error {
	acc, err := loadAccount(tx, addr)
	if err != nil {
		return err
	}
	change(acc)
	return saveAccount(tx, acc)
}

// debit takes amount from source.
func debit(acc *Account, source protocol.BalanceSource, amount decimal.Decimal) {
	if source == protocol.SourcePlatform {
		acc.UsedAllowance = acc.UsedAllowance.Add(amount)
	} else {
		acc.WalletBalance = acc.WalletBalance.Sub(amount)
	}
}

// credit gives amount back to source.
func credit(acc *Account, source protocol.BalanceSource, amount decimal.Decimal) {
	if source == protocol.SourcePlatform {
		acc.UsedAllowance = acc.UsedAllowance.Sub(amount)
	} else {
		acc.WalletBalance = acc.WalletBalance.Add(amount)
	}
}

// CreateDiscount escrows the discount cost from the student and opens a
// pending request for the teacher.
//
// The checks, the debit and the nonce reservation commit before the escrow
// call runs, so the ledger is not held while the chain mines.
func (s *Service) CreateDiscount(ctx context.Context, req *protocol.SignedOperationRequest) (res *DiscountResult, err error) {
	defer func() { s.record(protocol.DiscountRedemption, err) }()

	now := s.now()
	if err := s.verify(req, protocol.DiscountRedemption, now); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	amount := toDecimal(req.Amount)
	var source protocol.BalanceSource
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.checkNonce(tx, req); err != nil {
			return err
		}
		if err := checkCoursePrice(tx, req); err != nil {
			return err
		}

		acc, err := loadAccount(tx, req.Signer)
		if err != nil {
			return err
		}
		var available *big.Int
		available, source = acc.spendable()
		if req.Amount.Cmp(available) > 0 {
			return protocol.Reject(protocol.ReasonInsufficientAllowance,
				"need %s, available %s", protocol.FormatTEO(req.Amount), protocol.FormatTEO(available))
		}
		debit(acc, source, amount)
		if err := saveAccount(tx, acc); err != nil {
			return err
		}
		return reserveNonce(tx, req.Signer, req.Operation, req.Nonce, now)
	})
	if err != nil {
		return nil, err
	}

	escrow := Call{
		Action: ActionDiscountEscrow,
		From:   req.Signer,
		To:     *req.Counterparty,
		Amount: req.Amount,
		Nonce:  req.Nonce,
	}
	exec, err := s.execute(ctx, escrow)
	if err != nil {
		s.abort(ctx, req, func(tx *gorm.DB) error {
			return adjust(tx, req.Signer, func(acc *Account) { credit(acc, source, amount) })
		})
		return nil, err
	}

	dr := &DiscountRequest{
		ID:       uuid.NewString(),
		Student:  addressKey(req.Signer),
		Teacher:  addressKey(*req.Counterparty),
		CourseID: req.ReferenceID,
		Percent:  req.DiscountPercent,
		Amount:   amount,
		Source:   string(source),
		Status:   DiscountPending,
		TxHash:   exec.TxHash.Hex(),
	}
	err = s.finish(ctx, req, exec, func(tx *gorm.DB) error {
		if err := tx.Create(dr).Error; err != nil {
			return fmt.Errorf("failed to save discount request: %w", err)
		}
		return recordTransaction(tx, escrow, exec, dr.ID, now)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("student", req.Signer.Hex()).Str("request_id", dr.ID).
		Str("amount", protocol.FormatTEO(req.Amount)).Msg("discount escrowed")
	return &DiscountResult{Request: dr, Execution: exec}, nil
}

// checkCoursePrice compares the signed amount with the catalog price when the
// course is known.
func checkCoursePrice(tx *gorm.DB, req *protocol.SignedOperationRequest) error {
	var course Course
	err := tx.Where("id = ?", req.ReferenceID).First(&course).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load course: %w", err)
	}
	want, err := protocol.DiscountCost(course.PriceEUR, req.DiscountPercent)
	if err != nil {
		return protocol.Reject(protocol.ReasonInvalidRequest, "%v", err)
	}
	if want.Cmp(req.Amount) != 0 {
		return protocol.Reject(protocol.ReasonInvalidRequest,
			"%d%% of course %s costs %s, request carries %s",
			req.DiscountPercent, course.ID, protocol.FormatTEO(want), protocol.FormatTEO(req.Amount))
	}
	return nil
}

// ApproveDiscount releases the escrowed TEO to the teacher.
func (s *Service) ApproveDiscount(ctx context.Context, id string, approver common.Address) (*DiscountResult, error) {
	return s.settleDiscount(ctx, id, approver, DiscountApproved, "")
}

// DeclineDiscount refunds the escrowed TEO to the student.
func (s *Service) DeclineDiscount(ctx context.Context, id string, decliner common.Address, reason string) (*DiscountResult, error) {
	return s.settleDiscount(ctx, id, decliner, DiscountDeclined, reason)
}

func (s *Service) settleDiscount(ctx context.Context, id string, actor common.Address, status, reason string) (*DiscountResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dr DiscountRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", id).First(&dr).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDiscountNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load discount request: %w", err)
		}
		if dr.Status != DiscountPending {
			return protocol.Reject(protocol.ReasonInvalidRequest, "request %s is already %s", dr.ID, dr.Status)
		}
		if actor != (common.Address{}) && addressKey(actor) != dr.Teacher {
			return protocol.Reject(protocol.ReasonInvalidSignature, "%s is not the teacher of request %s", actor.Hex(), dr.ID)
		}
		return setDiscountStatus(tx, &dr, DiscountSettling)
	})
	if err != nil {
		return nil, err
	}

	student := common.HexToAddress(dr.Student)
	teacher := common.HexToAddress(dr.Teacher)
	call := Call{Action: ActionDiscountRelease, From: student, To: teacher, Amount: toBig(dr.Amount)}
	if status == DiscountDeclined {
		call.Action = ActionDiscountRefund
		call.To = student
	}
	exec, err := s.execute(ctx, call)
	if err != nil {
		// nothing moved, the teacher may decide again
		if err := setDiscountStatus(s.db.WithContext(context.WithoutCancel(ctx)), &dr, DiscountPending); err != nil {
			s.log.Error().Err(err).Str("request_id", dr.ID).Msg("failed to reopen discount request")
		}
		return nil, err
	}

	err = s.db.WithContext(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
		if status == DiscountApproved {
			if err := adjust(tx, teacher, func(acc *Account) { acc.WalletBalance = acc.WalletBalance.Add(dr.Amount) }); err != nil {
				return err
			}
		} else {
			source := protocol.BalanceSource(dr.Source)
			if err := adjust(tx, student, func(acc *Account) { credit(acc, source, dr.Amount) }); err != nil {
				return err
			}
			dr.DeclineReason = reason
		}
		if err := recordTransaction(tx, call, exec, dr.ID, s.now()); err != nil {
			return err
		}
		dr.SettleTxHash = exec.TxHash.Hex()
		return setDiscountStatus(tx, &dr, status)
	})
	if err != nil {
		// left settling, so it cannot be released or refunded twice
		s.log.Error().Err(err).Str("request_id", dr.ID).Str("tx", exec.TxHash.Hex()).Msg("settled on chain but ledger update failed")
		return nil, err
	}
	s.log.Info().Str("request_id", id).Str("status", status).Msg("discount settled")
	return &DiscountResult{Request: &dr, Execution: exec}, nil
}

func setDiscountStatus(tx *gorm.DB, dr *DiscountRequest, status string) error {
	dr.Status = status
	if err := tx.Save(dr).Error; err != nil {
		return fmt.Errorf("failed to save discount request: %w", err)
	}
	return nil
}

// Stake moves TEO from the teacher's balance into the staking contract.
func (s *Service) Stake(ctx context.Context, req *protocol.SignedOperationRequest) (*StakeResult, error) {
	return s.changeStake(ctx, req, protocol.TeacherStake)
}

// Unstake returns staked TEO to the teacher's balance.
func (s *Service) Unstake(ctx context.Context, req *protocol.SignedOperationRequest) (*StakeResult, error) {
	return s.changeStake(ctx, req, protocol.TeacherUnstake)
}

// changeStake takes the amount from its origin (wallet for stake, stake for
// unstake) before execution and credits the destination once mined.
func (s *Service) changeStake(ctx context.Context, req *protocol.SignedOperationRequest, op protocol.OperationType) (res *StakeResult, err error) {
	defer func() { s.record(op, err) }()

	now := s.now()
	if err := s.verify(req, op, now); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	amount := toDecimal(req.Amount)
	call := Call{Action: ActionStake, From: req.Signer, Amount: req.Amount, Nonce: req.Nonce}
	kind := "stake"
	take := func(acc *Account) { acc.WalletBalance = acc.WalletBalance.Sub(amount) }
	undo := func(acc *Account) { acc.WalletBalance = acc.WalletBalance.Add(amount) }
	give := func(acc *Account) { acc.Staked = acc.Staked.Add(amount) }
	if op == protocol.TeacherUnstake {
		call.Action = ActionUnstake
		kind = "unstake"
		take = func(acc *Account) { acc.Staked = acc.Staked.Sub(amount) }
		undo, give = give, undo
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.checkNonce(tx, req); err != nil {
			return err
		}
		state, err := tierState(tx, req.Signer, s.policy.Window, now)
		if err != nil {
			return err
		}
		acc, err := loadAccount(tx, req.Signer)
		if err != nil {
			return err
		}
		if op == protocol.TeacherStake {
			if err := s.policy.CheckStake(state, req.Amount, now); err != nil {
				return asRejection(err)
			}
			if toBig(acc.WalletBalance).Cmp(req.Amount) < 0 {
				return protocol.Reject(protocol.ReasonInsufficientAllowance,
					"balance %s, stake %s", protocol.FormatTEO(toBig(acc.WalletBalance)), protocol.FormatTEO(req.Amount))
			}
		} else if err := s.policy.CheckUnstake(state, req.Amount, now); err != nil {
			return asRejection(err)
		}
		take(acc)
		if err := saveAccount(tx, acc); err != nil {
			return err
		}
		return reserveNonce(tx, req.Signer, op, req.Nonce, now)
	})
	if err != nil {
		return nil, err
	}

	exec, err := s.execute(ctx, call)
	if err != nil {
		s.abort(ctx, req, func(tx *gorm.DB) error { return adjust(tx, req.Signer, undo) })
		return nil, err
	}

	var after *protocol.TierState
	err = s.finish(ctx, req, exec, func(tx *gorm.DB) error {
		if err := adjust(tx, req.Signer, give); err != nil {
			return err
		}
		if err := recordTransaction(tx, call, exec, "", now); err != nil {
			return err
		}
		event := StakeEvent{Teacher: addressKey(req.Signer), Kind: kind, Amount: amount, TxHash: exec.TxHash.Hex(), CreatedAt: now}
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("failed to save stake event: %w", err)
		}
		state, err := tierState(tx, req.Signer, s.policy.Window, now)
		after = state
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("teacher", req.Signer.Hex()).Stringer("op", op).
		Stringer("tier", after.Tier).Str("staked", protocol.FormatTEO(after.Staked)).Msg("stake updated")
	return &StakeResult{Amount: req.Amount, State: after, Execution: exec}, nil
}

func asRejection(err error) error {
	var rej *protocol.RejectedError
	if errors.As(err, &rej) {
		return rej
	}
	return protocol.Reject(protocol.ReasonInvalidRequest, "%v", err)
}

// Allowance reads the spend capacity of addr.
func (s *Service) Allowance(ctx context.Context, addr common.Address) (*protocol.AllowanceSnapshot, error) {
	acc, err := loadAccount(s.db.WithContext(ctx), addr)
	if err != nil {
		return nil, err
	}
	return acc.snapshot(s.now()), nil
}

// TierState reads the staking position of addr.
func (s *Service) TierState(ctx context.Context, addr common.Address) (*protocol.TierState, error) {
	return tierState(s.db.WithContext(ctx), addr, s.policy.Window, s.now())
}

// Discount loads a discount request by id.
func (s *Service) Discount(ctx context.Context, id string) (*DiscountRequest, error) {
	var dr DiscountRequest
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&dr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDiscountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load discount request: %w", err)
	}
	return &dr, nil
}
