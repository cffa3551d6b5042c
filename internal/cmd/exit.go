package cmd

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/sendguard/sendguard/internal/core"
	apperrors "github.com/sendguard/sendguard/internal/errors"
)

// osExit is swapped out by tests.
var osExit = os.Exit

// ExitCodeFor picks the semantic exit code for a failed command.
func ExitCodeFor(err error) foundry.ExitCode {
	var envelope *errors.ErrorEnvelope
	switch {
	case err == nil:
		return foundry.ExitFailure
	case stderrors.Is(err, core.ErrStoreUnavailable):
		return foundry.ExitExternalServiceUnavailable
	case stderrors.As(err, &envelope):
		switch envelope.Code {
		case apperrors.CodeConfigInvalid:
			return foundry.ExitConfigInvalid
		case apperrors.CodeServiceUnavailable:
			return foundry.ExitExternalServiceUnavailable
		}
	}
	return foundry.ExitFailure
}

type exitMeta struct {
	Code        int
	Name        string
	Description string
	Category    string
}

// exitInfo resolves catalog metadata, synthesizing an entry for codes the
// foundry catalog does not know.
func exitInfo(code foundry.ExitCode) exitMeta {
	info, ok := foundry.GetExitCodeInfo(code)
	if !ok {
		return exitMeta{Code: int(code), Name: "UNKNOWN", Description: "unregistered exit code"}
	}
	return exitMeta{
		Code:        info.Code,
		Name:        info.Name,
		Description: info.Description,
		Category:    info.Category,
	}
}

// unwrapEnvelope returns the envelope in err's chain and the error it
// wraps. Both are nil when err carries no envelope.
func unwrapEnvelope(err error) (*errors.ErrorEnvelope, error) {
	var envelope *errors.ErrorEnvelope
	if !stderrors.As(err, &envelope) {
		return nil, nil
	}
	cause, _ := envelope.Original.(error)
	return envelope, cause
}

// ExitWithCode logs msg with exit metadata on logger, or stderr when logger
// is nil, and exits with code.
func ExitWithCode(logger *logging.Logger, code foundry.ExitCode, msg string, err error) {
	info := exitInfo(code)
	if logger == nil {
		writeExit(os.Stderr, info, msg, err)
		osExit(info.Code)
		return
	}

	fields := []zap.Field{
		zap.Int("exit_code", info.Code),
		zap.String("exit_name", info.Name),
		zap.String("exit_category", info.Category),
	}
	cause := err
	if envelope, original := unwrapEnvelope(err); envelope != nil {
		fields = append(fields,
			zap.String("error_code", envelope.Code),
			zap.String("correlation_id", envelope.CorrelationID))
		if len(envelope.Context) > 0 {
			fields = append(fields, zap.Any("error_context", envelope.Context))
		}
		if original != nil {
			cause = original
		}
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	logger.Error(msg, fields...)
	osExit(info.Code)
}

// ExitWithCodeStderr reports a failure on stderr and exits. Used before a
// logger exists and for the final command error in main.
func ExitWithCodeStderr(code foundry.ExitCode, msg string, err error) {
	info := exitInfo(code)
	writeExit(os.Stderr, info, msg, err)
	osExit(info.Code)
}

func writeExit(w io.Writer, info exitMeta, msg string, err error) {
	envelope, cause := unwrapEnvelope(err)
	switch {
	case envelope != nil:
		_, _ = fmt.Fprintf(w, "FATAL: %s [%s]: %s\n", msg, envelope.Code, envelope.Message)
		if cause != nil {
			_, _ = fmt.Fprintf(w, "Cause: %v\n", cause)
		}
	case err != nil:
		_, _ = fmt.Fprintf(w, "FATAL: %s: %v\n", msg, err)
	default:
		_, _ = fmt.Fprintf(w, "FATAL: %s\n", msg)
	}
	_, _ = fmt.Fprintf(w, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
}
