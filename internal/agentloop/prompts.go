package agentloop

import "github.com/edgecoder/swarm/internal/model"

// DefaultPrompts is the straightforward PromptBuilder used outside tests.
type DefaultPrompts struct{}

func (DefaultPrompts) Plan(task string) string {
	return "Produce a short numbered plan for the following coding task. Do not write code yet.\n\nTask: " + task
}

func (DefaultPrompts) Code(task, plan string, lang model.Language) string {
	return "Write " + string(lang) + " code implementing this plan. Return only the code, no prose.\n\nTask: " + task + "\n\nPlan:\n" + plan
}

func (DefaultPrompts) Reflect(task, previousCode, previousStderr string, lang model.Language) string {
	return "The following " + string(lang) + " code failed. Fix it and return only the corrected code.\n\n" +
		"Task: " + task + "\n\nPrevious code:\n" + previousCode + "\n\nError output:\n" + previousStderr
}
