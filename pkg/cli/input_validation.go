// Package cli holds small command-line helpers shared by cmd/tradecore:
// argument validation today, output formatting as the CLI surface grows.
package cli

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// hasShellMetachar flags the argument separators a shell would split on if
// a flag value ever got interpolated into a command line (logging
// pipelines, a future systemd ExecStart template) instead of passed as an
// argv element the way flag.FlagSet hands it to us today.
func hasShellMetachar(s string) bool {
	return strings.ContainsAny(s, ";|&`$")
}

func hasPathTraversal(s string) bool {
	return strings.Contains(s, "../") || strings.Contains(s, "..\\")
}

// ValidatePath checks the --config flag value before it reaches
// config.Load's os.ReadFile. A config path's attack surface is shell/path
// injection, not SQL — it is never interpolated into a query — so this
// rejects traversal sequences, shell metacharacters, and the NUL byte
// os.Open would reject anyway but with a clearer message.
func ValidatePath(path string) error {
	if path == "" {
		return nil
	}
	if strings.ContainsRune(path, 0) {
		return errors.New("path contains a NUL byte")
	}
	if hasPathTraversal(path) {
		return errors.New("path contains a directory traversal sequence")
	}
	if hasShellMetachar(path) {
		return errors.New("path contains a shell metacharacter")
	}
	return nil
}

// binanceSymbolPattern matches the exchange's actual symbol charset:
// uppercase base/quote asset tickers concatenated with no separator,
// e.g. "BTCUSDT". Validating --symbols against this allowlist rather
// than scanning for known-bad substrings is the right shape for this
// argument: a symbol is consumed as a raw exchange REST path/query
// parameter (ExchangeClient) and as a TradeStore lookup key (§6), both
// surfaces where SQL- or command-injection metacharacters have no
// legitimate reason to appear, so anything outside the allowlist is
// rejected rather than pattern-matched against a blocklist.
var binanceSymbolPattern = regexp.MustCompile(`^[A-Z0-9]{3,20}$`)

// ValidateSymbol checks a single --symbols entry against the exchange's
// symbol charset.
func ValidateSymbol(symbol string) error {
	if !binanceSymbolPattern.MatchString(symbol) {
		return fmt.Errorf("symbol %q is not a valid exchange symbol (expected uppercase letters/digits only)", symbol)
	}
	return nil
}

// ValidateSymbols applies ValidateSymbol to every configured trading
// symbol, reporting the first rejection.
func ValidateSymbols(symbols []string) error {
	for _, s := range symbols {
		if err := ValidateSymbol(s); err != nil {
			return err
		}
	}
	return nil
}
