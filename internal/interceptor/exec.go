package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/procsi/procsid/internal/models"
)

// execRequestWire is what an exec handler receives as JSON on stdin.
type execRequestWire struct {
	Interceptor string            `json:"interceptor"`
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body"`
}

// runExec invokes an external command as the handler for an exec-type
// interceptor: the request is marshaled to JSON on stdin, and the command
// must print an execDecisionWire JSON object on stdout before exiting.
// Bounded by ctx's deadline (the handler-evaluation timeout, optionally
// tightened by the manifest's own timeout_ms).
func (ru *Runner) runExec(ctx context.Context, m *Manifest, method, url string, reqHeaders models.Headers, reqBody []byte) (Decision, error) {
	spec := m.Handler.Exec
	if len(spec.Command) == 0 {
		return Decision{}, fmt.Errorf("exec handler %s has no command", m.Name)
	}
	if spec.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	reqWire := execRequestWire{
		Interceptor: m.Name,
		Method:      method,
		URL:         url,
		Headers:     map[string]string(reqHeaders),
		Body:        string(reqBody),
	}
	stdin, err := json.Marshal(reqWire)
	if err != nil {
		return Decision{}, fmt.Errorf("encoding exec request: %w", err)
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Decision{}, fmt.Errorf("exec handler %s: %w (stderr: %s)", m.Name, err, stderr.String())
	}

	var decisionWire execDecisionWire
	if err := json.Unmarshal(stdout.Bytes(), &decisionWire); err != nil {
		return Decision{}, fmt.Errorf("exec handler %s produced invalid JSON: %w", m.Name, err)
	}

	switch decisionWire.Action {
	case "mock":
		if decisionWire.Status < 100 || decisionWire.Status > 599 {
			return Decision{}, fmt.Errorf("exec handler %s: invalid mock status %d", m.Name, decisionWire.Status)
		}
		headers := make(models.Headers, len(decisionWire.Headers))
		for k, v := range decisionWire.Headers {
			headers[strings.ToLower(k)] = v
		}
		return Decision{
			Outcome:     OutcomeMocked,
			Interceptor: m.Name,
			MockStatus:  decisionWire.Status,
			MockHeaders: headers,
			MockBody:    []byte(decisionWire.Body),
		}, nil
	case "observe", "":
		return Decision{Outcome: OutcomePendingForward, Interceptor: m.Name}, nil
	default:
		return Decision{}, fmt.Errorf("exec handler %s: unknown action %q", m.Name, decisionWire.Action)
	}
}
