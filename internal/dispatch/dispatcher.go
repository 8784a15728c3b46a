package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/apollo-bridge/internal/protocol"
)

// ResultProcessed acknowledges a fire-and-forget request.
const ResultProcessed = "Request processed"

// transportName tags dispatcher metrics.
const transportName = "dispatch"

// Metric outcomes.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeInvalid = "invalid"
	outcomePanic   = "panic"
)

// Options holds the collaborators of a Dispatcher.
type Options struct {
	ControlPlane ControlPlane       // Required
	Accounts     Accounts           // Required
	Credentials  CredentialExchange // Required
	Minter       TokenMinter        // Required
	Recorder     Recorder
	Logger       Logger
}

// Dispatcher turns Requests into Responses.
//
// Thread Safety: All methods are safe for concurrent use.
type Dispatcher struct {
	controlPlane ControlPlane
	accounts     Accounts
	credentials  CredentialExchange
	minter       TokenMinter
	recorder     Recorder
	logger       Logger

	// background tracks fire-and-forget chains and in-flight exchanges.
	background sync.WaitGroup
}

// New creates a dispatcher.
func New(opts Options) (*Dispatcher, error) {
	switch {
	case opts.ControlPlane == nil:
		return nil, errors.New("dispatch: control plane is required")
	case opts.Accounts == nil:
		return nil, errors.New("dispatch: accounts is required")
	case opts.Credentials == nil:
		return nil, errors.New("dispatch: credential exchange is required")
	case opts.Minter == nil:
		return nil, errors.New("dispatch: token minter is required")
	}

	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}

	return &Dispatcher{
		controlPlane: opts.ControlPlane,
		accounts:     opts.Accounts,
		credentials:  opts.Credentials,
		minter:       opts.Minter,
		recorder:     opts.Recorder,
		logger:       logger,
	}, nil
}

// Dispatch routes req to its collaborator chain.
//
// Parameters:
//   - ctx: Bounds awaited requests; fire-and-forget chains run detached from it
//   - req: The decoded request
//
// Returns:
//   - protocol.Response: The chain's result, "Request processed" for
//     fire-and-forget, or a failure (never panics)
func (d *Dispatcher) Dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	cmd := req.Command.Normalize()

	if !cmd.Known() {
		code := protocol.CodeInvalidCommand
		if !req.HasResult {
			code = protocol.CodeInvalidCommandNoResult
		}
		d.logger.Warn("invalid command", "command", req.Command, "has_result", req.HasResult)
		d.record(string(cmd), outcomeInvalid, 0)
		return protocol.Failure(code, "Invalid command")
	}

	if req.HasResult {
		return d.run(ctx, cmd, req)
	}

	detached := context.WithoutCancel(ctx)
	d.background.Add(1)
	go func() {
		defer d.background.Done()
		resp := d.run(detached, cmd, req)
		if !resp.Success {
			d.logger.Warn("fire-and-forget request failed",
				"command", cmd,
				"error", resp.ErrorMessage(),
			)
		}
	}()
	return protocol.Success(ResultProcessed)
}

// Serve dispatches every Exchange from exchanges, each in its own goroutine,
// until ctx ends or the channel closes.
func (d *Dispatcher) Serve(ctx context.Context, exchanges <-chan protocol.Exchange) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ex, ok := <-exchanges:
			if !ok {
				return nil
			}
			d.background.Add(1)
			go func() {
				defer d.background.Done()
				ex.Reply.Respond(d.Dispatch(ctx, ex.Request))
			}()
		}
	}
}

// Wait blocks until every background chain and in-flight exchange is done.
func (d *Dispatcher) Wait() {
	d.background.Wait()
}

// run executes one chain, converting panics into -1 failures.
func (d *Dispatcher) run(ctx context.Context, cmd protocol.Command, req protocol.Request) (resp protocol.Response) {
	start := time.Now()
	defer func() {
		outcome := outcomeSuccess
		if r := recover(); r != nil {
			d.logger.Error("dispatch panic", "command", cmd, "panic", r)
			resp = protocol.Failure(protocol.CodeCollaboratorFailure, fmt.Sprintf("internal error: %v", r))
			outcome = outcomePanic
		} else if !resp.Success {
			outcome = outcomeFailure
		}
		d.record(string(cmd), outcome, time.Since(start))
	}()

	switch cmd {
	case protocol.CommandGet:
		return d.proxy(ctx, http.MethodGet, req)
	case protocol.CommandPost:
		return d.proxy(ctx, http.MethodPost, req)
	case protocol.CommandCreateUser:
		return d.createUser(ctx, req)
	case protocol.CommandDeleteUser:
		return d.deleteUser(ctx, req)
	case protocol.CommandUpdateToken:
		return d.updateToken(ctx, req)
	default:
		return protocol.Failure(protocol.CodeInvalidCommand, "Invalid command")
	}
}

func (d *Dispatcher) proxy(ctx context.Context, method string, req protocol.Request) protocol.Response {
	var data protocol.PathData
	if err := req.DecodeData(&data); err != nil {
		return protocol.FromError(err, protocol.CodeCollaboratorFailure)
	}

	resp, err := d.controlPlane.Request(ctx, method, data.Data)
	if err != nil {
		d.logger.Warn("control plane request failed", "method", method, "path", data.Data, "error", err)
		return protocol.FromError(err, protocol.CodeCollaboratorFailure)
	}
	return resp
}

func (d *Dispatcher) createUser(ctx context.Context, req protocol.Request) protocol.Response {
	var data protocol.UserData
	if err := req.DecodeData(&data); err != nil {
		return protocol.FromError(err, protocol.CodeAccountFailure)
	}

	// Account creation reports -1 like the other collaborators; only a
	// malformed request and DELETE_USER use the account code.
	if err := d.accounts.CreateUser(ctx, data.Username, data.Password, data.RoleType); err != nil {
		d.logger.Warn("create user failed", "username", data.Username, "error", err)
		return protocol.FromError(err, protocol.CodeCollaboratorFailure)
	}
	d.logger.Info("user created", "username", data.Username, "role", data.RoleType)

	return d.issueToken(ctx, data.Username, data.Password)
}

func (d *Dispatcher) deleteUser(ctx context.Context, req protocol.Request) protocol.Response {
	var data protocol.DeleteUserData
	if err := req.DecodeData(&data); err != nil {
		return protocol.FromError(err, protocol.CodeAccountFailure)
	}

	if err := d.accounts.DeleteUser(ctx, data.Username); err != nil {
		d.logger.Warn("delete user failed", "username", data.Username, "error", err)
		return protocol.FromError(err, protocol.CodeAccountFailure)
	}
	d.logger.Info("user deleted", "username", data.Username)
	return protocol.Success(nil)
}

func (d *Dispatcher) updateToken(ctx context.Context, req protocol.Request) protocol.Response {
	var data protocol.CredentialsData
	if err := req.DecodeData(&data); err != nil {
		return protocol.FromError(err, protocol.CodeAccountFailure)
	}
	return d.issueToken(ctx, data.Username, data.Password)
}

// issueToken exchanges credentials and mints a long-lived token named after the user.
func (d *Dispatcher) issueToken(ctx context.Context, username, password string) protocol.Response {
	access, err := d.credentials.AccessToken(ctx, username, password)
	if err != nil {
		d.logger.Warn("credential exchange failed", "username", username, "error", err)
		return protocol.FromError(err, protocol.CodeCollaboratorFailure)
	}

	token, err := d.minter.MintLongLived(ctx, username, access)
	if err != nil {
		d.logger.Warn("long-lived token mint failed", "username", username, "error", err)
		return protocol.FromError(err, protocol.CodeCollaboratorFailure)
	}
	return protocol.Success(TokenResult{Token: token})
}

func (d *Dispatcher) record(command, outcome string, latency time.Duration) {
	if d.recorder == nil {
		return
	}
	d.recorder.RecordRequest(transportName, command, outcome, latency)
}
