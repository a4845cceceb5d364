package tools

import (
	"context"
	"fmt"
	"time"
)

// RegisterClock adds the clock_now tool. loc is the agent's home
// timezone, used when the model does not name one.
func RegisterClock(r *Registry, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	return r.Register(&Tool{
		Name:        "clock_now",
		Description: "Get the current date and time. Use this whenever the user asks about the time or you need to reason about dates.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name such as Europe/Vienna. Defaults to the agent's home timezone.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			at := loc
			if tz, ok := args["timezone"].(string); ok && tz != "" {
				parsed, err := time.LoadLocation(tz)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", tz)
				}
				at = parsed
			}
			now := time.Now().In(at)
			return fmt.Sprintf("%s (%s %s)", now.Format(time.RFC3339), now.Weekday(), dayPart(now.Hour())), nil
		},
	})
}

// dayPart names the rough part of day for conversational replies.
func dayPart(hour int) string {
	switch {
	case hour < 5:
		return "night"
	case hour < 12:
		return "morning"
	case hour < 17:
		return "afternoon"
	case hour < 21:
		return "evening"
	default:
		return "night"
	}
}
