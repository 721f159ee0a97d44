package exec

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

// fingerprintInput is the canonical form hashed into a plan fingerprint.
// Field order is fixed by the struct, so encoding is deterministic.
type fingerprintInput struct {
	Runner   RunnerKind  `json:"runner"`
	Commands []string    `json:"commands"`
	Context  ExecContext `json:"context"`
}

// Fingerprint returns the BLAKE3 digest of what a plan will execute.
// Approval covers this digest; a plan whose content no longer matches
// its recorded fingerprint must not run.
func Fingerprint(runner RunnerKind, commands []string, execCtx ExecContext) string {
	if commands == nil {
		commands = []string{}
	}
	data, err := json.Marshal(fingerprintInput{Runner: runner, Commands: commands, Context: execCtx})
	if err != nil {
		// Every field is a plain string, slice or struct of them.
		panic("fingerprint: " + err.Error())
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyFingerprint reports whether plan still matches its recorded fingerprint
func VerifyFingerprint(plan *Plan) bool {
	return plan.Fingerprint != "" && plan.Fingerprint == Fingerprint(plan.Runner, plan.Commands, plan.Context)
}
