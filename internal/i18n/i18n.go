// Package i18n renders the user-visible replies of management commands.
// Only command responses are localized; log output stays English.
package i18n

import "fmt"

// Lang selects a reply language.
type Lang string

const (
	ZH Lang = "zh"
	EN Lang = "en"
)

// Normalize maps unknown language codes to the Chinese default.
func Normalize(code string) Lang {
	if code == "en" {
		return EN
	}
	return ZH
}

// ResetDone confirms a self reset.
func (l Lang) ResetDone() string {
	if l == EN {
		return "Session reset. Starting fresh."
	}
	return "会话已重置，开始新的对话。"
}

// ResetAllEmpty is returned when a reset-all finds no user sessions.
func (l Lang) ResetAllEmpty() string {
	if l == EN {
		return "There are no user sessions to reset."
	}
	return "当前没有可重置的用户会话。"
}

// ResetAllDone summarizes a group-wide reset.
func (l Lang) ResetAllDone(users, archived, failed int) string {
	if l == EN {
		return fmt.Sprintf("Reset complete: %d users, %d sessions archived, %d failed.", users, archived, failed)
	}
	return fmt.Sprintf("重置完成：%d 位用户，归档 %d 个会话，失败 %d 个。", users, archived, failed)
}

// PermissionDenied rejects a command from a non-admin.
func (l Lang) PermissionDenied() string {
	if l == EN {
		return "You don't have permission to do that."
	}
	return "你没有权限执行该操作。"
}

// UnknownModel rejects a model name outside the whitelist.
func (l Lang) UnknownModel(name string) string {
	if l == EN {
		return fmt.Sprintf("Unknown model %q.", name)
	}
	return fmt.Sprintf("未知的模型 %q。", name)
}

// ModelSet confirms a per-group model override.
func (l Lang) ModelSet(name string) string {
	if l == EN {
		return fmt.Sprintf("Model set to %s for this group.", name)
	}
	return fmt.Sprintf("本群模型已设置为 %s。", name)
}

// ModelCleared confirms removal of the per-group model override.
func (l Lang) ModelCleared() string {
	if l == EN {
		return "Model override cleared; using the default."
	}
	return "模型设置已清除，将使用默认模型。"
}

// DiceMalformed rejects a bad dice spec.
func (l Lang) DiceMalformed() string {
	if l == EN {
		return "Malformed dice. Use NdM with 1-10 dice of 1-100 sides, e.g. 2d6."
	}
	return "骰子格式错误。请使用 NdM（1-10 个骰子，1-100 面），例如 2d6。"
}

// DiceResult renders a roll. Same shape in every language.
func (l Lang) DiceResult(spec string, rolls []int, total int) string {
	return fmt.Sprintf("🎲 %s → %v = %d", spec, rolls, total)
}

// PushPrompt is the default text of a scheduled group push.
func (l Lang) PushPrompt() string {
	if l == EN {
		return "Good morning! Anything on the agenda today?"
	}
	return "早上好！今天有什么安排吗？"
}

// SessionLimit warns that a session key exceeds the group's limit.
func (l Lang) SessionLimit(key, max int) string {
	if l == EN {
		return fmt.Sprintf("Session #%d is beyond this group's limit (%d).", key, max)
	}
	return fmt.Sprintf("会话 #%d 超出了本群上限（%d）。", key, max)
}
