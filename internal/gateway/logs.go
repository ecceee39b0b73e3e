package gateway

import (
	"strings"

	"github.com/gagliardetto/solana-go"
)

const (
	programLogPrefix = "Program "
	invokeMarker     = " invoke ["
	successSuffix    = " success"
	failedMarker     = " failed"
)

// logLine is a log message together with the program executing when it was
// written. Program is empty when the invocation stack is unknown, as happens
// after the node truncates logs.
type logLine struct {
	Index   int
	Program string
	Text    string
}

// scanLogs walks log messages keeping a stack of program invocations.
func scanLogs(messages []string) (lines []logLine, invoked []string) {
	var stack []string
	seen := make(map[string]struct{})
	lines = make([]logLine, 0, len(messages))

	for i, msg := range messages {
		current := ""
		if len(stack) > 0 {
			current = stack[len(stack)-1]
		}
		lines = append(lines, logLine{Index: i, Program: current, Text: msg})

		if !strings.HasPrefix(msg, programLogPrefix) {
			continue
		}
		rest := strings.TrimPrefix(msg, programLogPrefix)
		switch {
		case strings.Contains(rest, invokeMarker):
			program, ok := programID(rest[:strings.Index(rest, invokeMarker)])
			if !ok {
				continue
			}
			stack = append(stack, program)
			if _, ok := seen[program]; !ok {
				seen[program] = struct{}{}
				invoked = append(invoked, program)
			}
		case strings.HasSuffix(rest, successSuffix), strings.Contains(rest, failedMarker):
			token := rest
			if idx := strings.Index(rest, " "); idx >= 0 {
				token = rest[:idx]
			}
			program, ok := programID(token)
			if ok && len(stack) > 0 && stack[len(stack)-1] == program {
				stack = stack[:len(stack)-1]
			}
		}
	}
	return lines, invoked
}

// programID accepts only a single base58 public key, so program-written
// lines such as "Program log: step invoke [1]" never touch the stack.
func programID(token string) (string, bool) {
	if token == "" || strings.Contains(token, " ") {
		return "", false
	}
	if _, err := solana.PublicKeyFromBase58(token); err != nil {
		return "", false
	}
	return token, true
}
