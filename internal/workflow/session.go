package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "github.com/MartianFinance/core/internal/errors"
	"github.com/MartianFinance/core/internal/fanout"
	"github.com/MartianFinance/core/internal/messaging"
	"github.com/MartianFinance/core/internal/observability/alerting"
	"github.com/MartianFinance/core/internal/observability/metrics"
	"github.com/MartianFinance/core/internal/protocol"
)

const CodeExecutionFailed xerrors.Code = "EXECUTION_FAILED"

func init() {
	xerrors.Register(CodeExecutionFailed, xerrors.Attributes{
		Message:       "execution failed",
		ClientMessage: "The transaction could not be completed.",
		Severity:      xerrors.SeverityWarning,
	})
}

// 进度步骤。
const (
	StepAnalyzing     = "analyzing"
	StepStrategizing  = "strategizing"
	StepBuilding      = "building_transaction"
	StepSubmitting    = "submitting_transaction"
	StepDone          = "done"
	sourceName        = "workflow"
	branchScout       = "scout"
	branchRisk        = "risk"
	signaturePrompt   = "Please review and sign the transaction in your wallet."
	strategyReadyText = "Here is a strategy for you. Reply with execute to proceed."
)

type job struct {
	cmd    protocol.Command
	result chan error
}

type session struct {
	id      string
	m       *Manager
	inst    *Instance
	mailbox chan job
	logger  *slog.Logger
}

func newSession(m *Manager, id string) *session {
	return &session{
		id:      id,
		m:       m,
		inst:    NewInstance(id),
		mailbox: make(chan job, m.cfg.MailboxSize),
		logger:  m.logger.With(slog.String("session_id", id)),
	}
}

func (s *session) run(ctx context.Context) {
	s.logger.Debug("会话 actor 启动")
	for j := range s.mailbox {
		err := s.handle(ctx, j.cmd)
		j.result <- err
	}
	s.logger.Debug("会话 actor 退出", slog.String("state", string(s.inst.State)))
}

func (s *session) handle(ctx context.Context, cmd protocol.Command) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("处理命令时发生 panic", slog.Any("panic", rec))
			err = s.fail(ctx, fmt.Errorf("panic while handling %s: %v", cmd.Name(), rec))
		}
	}()
	switch c := cmd.(type) {
	case protocol.QueryCommand:
		return s.query(ctx, c)
	case protocol.ExecuteCommand:
		return s.execute(ctx, c)
	case protocol.SubmitSignedTxCommand:
		return s.submit(ctx, c)
	default:
		return s.reject(xerrors.New(protocol.CodeInvalidCommand, "unsupported command "+cmd.Name()))
	}
}

func (s *session) query(ctx context.Context, c protocol.QueryCommand) error {
	tr, err := s.inst.BeginQuery(c.Query)
	if err != nil {
		return s.reject(err)
	}
	s.record(ctx, tr, "")

	s.progress(StepAnalyzing, "Gathering market data and assessing risk...", 0.1)
	cfg := s.m.cfg
	outcomes := s.m.fanout.FanOut(ctx, []fanout.Branch{
		{
			Name:      branchScout,
			Service:   cfg.Services.Scout,
			Message:   protocol.ScoutRequest{Query: c.Query},
			ReplyType: protocol.TypeScoutResponse,
			Timeout:   cfg.RequestTimeout,
			Validate: func(reply *messaging.Envelope) error {
				var resp protocol.ScoutResponse
				if err := reply.Decode(&resp); err != nil {
					return err
				}
				if resp.Error != "" {
					return errors.New(resp.Error)
				}
				return nil
			},
		},
		{
			Name:    branchRisk,
			Service: cfg.Services.Risk,
			Message: protocol.RiskRequest{
				ProtocolName:    DetectProtocol(c.Query),
				StrategyDetails: map[string]any{"description": c.Query},
			},
			ReplyType: protocol.TypeRiskResponse,
			Timeout:   cfg.RequestTimeout,
			Validate: func(reply *messaging.Envelope) error {
				var resp protocol.RiskResponse
				if err := reply.Decode(&resp); err != nil {
					return err
				}
				if resp.Error != "" {
					return errors.New(resp.Error)
				}
				return nil
			},
		},
	})
	// 任何一路失败都视为整体失败，不基于部分数据生成方案。
	if err := fanout.FirstError(outcomes); err != nil {
		return s.fail(ctx, err)
	}
	var market protocol.ScoutResponse
	var risk protocol.RiskResponse
	if o, ok := fanout.ByName(outcomes, branchScout); ok {
		_ = o.Decode(&market)
	}
	if o, ok := fanout.ByName(outcomes, branchRisk); ok {
		_ = o.Decode(&risk)
	}

	s.progress(StepStrategizing, "Designing a strategy for you...", 0.4)
	addr, err := s.m.resolver.Resolve(ctx, cfg.Services.Strategy)
	if err != nil {
		return s.fail(ctx, err)
	}
	resp, status := messaging.Call[protocol.StrategyResponse](ctx, s.m.requester, addr, protocol.StrategyRequest{
		UserQuery:  c.Query,
		SessionID:  s.id,
		MarketData: market.Data,
		Risk:       &risk,
	}, cfg.StrategyTimeout)
	if !status.OK() {
		return s.fail(ctx, status.Err())
	}
	proposal, err := protocol.ParseProposal(resp.StrategyDescription)
	if err != nil {
		s.logger.Warn("无法解析策略生成器输出", slog.String("raw", resp.StrategyDescription), slog.Any("error", err))
		return s.fail(ctx, err)
	}
	tr, err = s.inst.ProposalReady(proposal, resp.StrategyDescription)
	if err != nil {
		return s.fail(ctx, err)
	}
	s.record(ctx, tr, StepStrategizing)
	s.respond(protocol.AgentResponse{
		Type:       protocol.ResponseStrategyProposal,
		Message:    strategyReadyText,
		Proposal:   proposal,
		StrategyID: proposal.ID,
	})
	return nil
}

func (s *session) execute(ctx context.Context, c protocol.ExecuteCommand) error {
	tr, err := s.inst.BeginExecution(c.StrategyID)
	if err != nil {
		return s.reject(err)
	}
	s.record(ctx, tr, StepBuilding)

	s.progress(StepBuilding, "Building the transaction...", 0.5)
	addr, err := s.m.resolver.Resolve(ctx, s.m.cfg.Services.Execution)
	if err != nil {
		return s.fail(ctx, err)
	}
	strategy := s.inst.RawStrategy
	if strategy == "" && s.inst.Proposal != nil {
		strategy = s.inst.Proposal.Description
	}
	res, status := messaging.Call[protocol.ExecutionResult](ctx, s.m.requester, addr, protocol.ExecuteStrategy{
		Strategy:   strategy,
		StrategyID: c.StrategyID,
		FeePayer:   c.FeePayer,
	}, s.m.cfg.ExecutionTimeout)
	if !status.OK() {
		return s.fail(ctx, status.Err())
	}
	if !res.Success {
		return s.fail(ctx, executionError(res))
	}

	switch {
	case res.UnsignedTxPayload != "":
		tr, err = s.inst.AwaitSignature(res.UnsignedTxPayload)
		if err != nil {
			return s.fail(ctx, err)
		}
		s.record(ctx, tr, StepBuilding)
		s.respond(protocol.AgentResponse{
			Type:              protocol.ResponseUnsignedTx,
			Message:           signaturePrompt,
			StrategyID:        c.StrategyID,
			UnsignedTxPayload: res.UnsignedTxPayload,
		})
		return nil
	case res.TransactionHash != "":
		return s.complete(ctx, res.TransactionHash)
	default:
		return s.fail(ctx, xerrors.New(CodeExecutionFailed, "execution returned neither a payload nor a hash"))
	}
}

func (s *session) submit(ctx context.Context, c protocol.SubmitSignedTxCommand) error {
	tr, err := s.inst.BeginSubmission(c.StrategyID)
	if err != nil {
		return s.reject(err)
	}
	s.record(ctx, tr, StepSubmitting)

	s.progress(StepSubmitting, "Submitting the signed transaction...", 0.8)
	addr, err := s.m.resolver.Resolve(ctx, s.m.cfg.Services.Execution)
	if err != nil {
		return s.fail(ctx, err)
	}
	strategyID := c.StrategyID
	if strategyID == "" && s.inst.Proposal != nil {
		strategyID = s.inst.Proposal.ID
	}
	res, status := messaging.Call[protocol.ExecutionResult](ctx, s.m.requester, addr, protocol.SubmitSignedTransaction{
		SignedTxPayload: c.SignedTxPayload,
		StrategyID:      strategyID,
	}, s.m.cfg.ExecutionTimeout)
	if !status.OK() {
		return s.fail(ctx, status.Err())
	}
	if !res.Success || res.TransactionHash == "" {
		return s.fail(ctx, executionError(res))
	}
	return s.complete(ctx, res.TransactionHash)
}

func (s *session) complete(ctx context.Context, hash string) error {
	tr, err := s.inst.Complete(hash)
	if err != nil {
		return s.fail(ctx, err)
	}
	s.record(ctx, tr, StepDone)
	s.progress(StepDone, "Transaction submitted.", 1.0)
	s.respond(protocol.AgentResponse{
		Type:            protocol.ResponseTransactionResult,
		Message:         "Transaction submitted successfully: " + hash,
		TransactionHash: hash,
	})
	return nil
}

// executionError 保留执行服务上报的错误码，例如 UPSTREAM_SERVICE_ERROR，
// 让客户端文案和指标区分后端不可用与交易本身失败。
func executionError(res protocol.ExecutionResult) error {
	code := CodeExecutionFailed
	if res.ErrorCode != "" && res.ErrorCode != string(xerrors.CodeUnknown) {
		code = xerrors.Code(res.ErrorCode)
	}
	if res.Error != "" {
		return xerrors.New(code, res.Error)
	}
	return xerrors.New(code, "execution service reported failure")
}

// reject 把命令拒绝告知客户端，状态保持不变。
func (s *session) reject(err error) error {
	s.logger.Info("拒绝命令", slog.String("state", string(s.inst.State)), slog.Any("error", err))
	s.m.notifier.Relay(s.id, protocol.ErrorEvent(s.id, err))
	return err
}

// fail 把实例置为 Errored 并通知客户端，不自动重试。
func (s *session) fail(ctx context.Context, cause error) error {
	tr, err := s.inst.Fail(cause)
	if err == nil {
		s.record(ctx, tr, "")
	}
	s.logger.Warn("工作流失败", slog.Any("error", cause))
	s.m.notifier.Relay(s.id, protocol.ErrorEvent(s.id, cause))
	if err == nil {
		s.alert(ctx, tr.From, cause)
	}
	return cause
}

func (s *session) alert(ctx context.Context, from State, cause error) {
	if s.m.alerts == nil {
		return
	}
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.m.alerts.Notify(alertCtx, alerting.FromError(s.id, string(from), cause)); err != nil {
		s.logger.Warn("发送告警失败", slog.Any("error", err))
	}
}

func (s *session) record(ctx context.Context, tr Transition, step string) {
	metrics.ObserveTransition(string(tr.From), string(tr.To))
	s.m.audit.Info("workflow transition",
		slog.String("session_id", s.id),
		slog.String("from", string(tr.From)),
		slog.String("to", string(tr.To)),
		slog.String("step", step),
	)
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.m.store.Save(saveCtx, s.inst.Clone()); err != nil {
		s.logger.Warn("保存工作流快照失败", slog.Any("error", err))
	}
}

func (s *session) progress(step, message string, fraction float64) {
	s.m.notifier.Relay(s.id, protocol.StatusEvent(s.id, protocol.StatusMessage{
		Step:       step,
		Message:    message,
		SourceName: sourceName,
		Progress:   fraction,
	}))
}

func (s *session) respond(resp protocol.AgentResponse) {
	s.m.notifier.Relay(s.id, protocol.ResponseEvent(s.id, resp))
}
