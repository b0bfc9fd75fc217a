// Package antibot tracks per-domain detection state and decides transport
// mode and stealth parameters for each request.
package antibot

// Level is the per-domain anti-bot detection level. It escalates one step per
// strong signal and de-escalates one step per quiet cooldown window; blocked
// is terminal until an operator reset.
type Level int

// Detection levels, in escalation order.
const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelBlocked
)

var levelNames = map[Level]string{
	LevelNone:    "none",
	LevelLow:     "low",
	LevelMedium:  "medium",
	LevelHigh:    "high",
	LevelBlocked: "blocked",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

// Escalate returns the next level up, saturating at blocked.
func (l Level) Escalate() Level {
	if l >= LevelBlocked {
		return LevelBlocked
	}
	return l + 1
}

// DeEscalate returns the next level down. Blocked does not decay.
func (l Level) DeEscalate() Level {
	if l == LevelBlocked || l == LevelNone {
		return l
	}
	return l - 1
}
