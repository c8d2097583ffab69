package console

import (
	"strings"

	"github.com/chzyer/readline"
)

const (
	Yes = "y"
	No  = "n"
)

// YesOrNo asks a question defaulting to no.
func YesOrNo(question string) (string, error) {
	return Prompt(question, No, Yes)
}

// Prompt reads one answer. The first constraint is the default returned on
// empty or unexpected input.
func Prompt(question string, constraints ...string) (string, error) {
	rl, err := readline.New(promptText(question, constraints))
	if err != nil {
		return "", err
	}
	defer rl.Close()
	response, err := rl.Readline()
	if err != nil {
		return "", err
	}
	return match(response, constraints), nil
}

func promptText(question string, constraints []string) string {
	if len(constraints) == 0 {
		return question
	}
	var prompt strings.Builder
	prompt.WriteString(question)
	prompt.WriteString(" [")
	prompt.WriteString(strings.ToUpper(constraints[0]))
	for _, c := range constraints[1:] {
		prompt.WriteString("/")
		prompt.WriteString(c)
	}
	prompt.WriteString("]: ")
	return prompt.String()
}

func match(response string, constraints []string) string {
	if len(constraints) == 0 {
		return response
	}
	normalized := strings.ToLower(strings.TrimSpace(response))
	for _, c := range constraints {
		if normalized == c {
			return normalized
		}
	}
	return constraints[0]
}
