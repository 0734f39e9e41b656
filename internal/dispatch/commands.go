package dispatch

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
)

// Command kinds.
const (
	CmdResetSelf = "reset"
	CmdResetAll  = "reset_all"
	CmdModel     = "model"
	CmdRoll      = "roll"
)

// Command is a parsed management command.
type Command struct {
	Kind  string
	Model string // CmdModel
	Dice  string // CmdRoll, raw spec
}

var (
	diceRe = regexp.MustCompile(`^(\d+)[dD](\d+)$`)

	// Values of /model that clear the per-group override.
	modelClearWords = map[string]bool{
		"default": true, "clear": true, "none": true, "off": true,
		"reset": true, "默认": true,
	}

	resetAllWords = map[string]bool{
		"all": true, "everyone": true, "所有人": true, "全群": true,
	}
)

// ParseCommand recognizes management commands on trimmed content. Matching is
// case-insensitive and accepts the localized aliases 重置 / 模型 / 骰子.
func ParseCommand(content string) (*Command, bool) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return nil, false
	}
	head := strings.ToLower(fields[0])
	if !strings.HasPrefix(head, "/") {
		return nil, false
	}
	head = head[1:]
	args := fields[1:]

	switch head {
	case "reset", "重置":
		if len(args) > 0 && resetAllWords[strings.ToLower(args[0])] {
			return &Command{Kind: CmdResetAll}, true
		}
		return &Command{Kind: CmdResetSelf}, true
	case "resetall":
		return &Command{Kind: CmdResetAll}, true
	case "model", "模型":
		if len(args) == 0 {
			return nil, false
		}
		return &Command{Kind: CmdModel, Model: args[0]}, true
	case "roll", "骰子":
		if len(args) == 0 {
			return nil, false
		}
		return &Command{Kind: CmdRoll, Dice: args[0]}, true
	}
	return nil, false
}

// IsModelClear reports whether the /model argument clears the override.
func IsModelClear(name string) bool {
	return modelClearWords[strings.ToLower(name)]
}

// ParseDiceSpec accepts exactly NdM with 1 ≤ N ≤ 10 dice of 1 ≤ M ≤ 100
// sides.
func ParseDiceSpec(spec string) (n, m int, err error) {
	match := diceRe.FindStringSubmatch(spec)
	if match == nil {
		return 0, 0, fmt.Errorf("malformed dice spec %q", spec)
	}
	n, _ = strconv.Atoi(match[1])
	m, _ = strconv.Atoi(match[2])
	if n < 1 || n > 10 || m < 1 || m > 100 {
		return 0, 0, fmt.Errorf("dice spec %q out of range", spec)
	}
	return n, m, nil
}

// RollDice rolls n dice of m sides with the given source.
func RollDice(rng *rand.Rand, n, m int) (rolls []int, total int) {
	rolls = make([]int, n)
	for i := range rolls {
		rolls[i] = rng.Intn(m) + 1
		total += rolls[i]
	}
	return rolls, total
}
