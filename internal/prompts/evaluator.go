package prompts

import "fmt"

// EvaluatorSystem is the system message for the evaluator model.
const EvaluatorSystem = "You are a helpful evaluator."

const rubricTemplate = `You are an evaluator. Rate the assistant's answer on a 1-5 scale:
1 = completely incorrect
5 = fully correct & well-phrased

Question:
%s

Assistant's answer:
%s

Respond in JSON with a one-sentence critique:
{"score": <int>, "feedback": "<critique>"}`

// EvaluatorRubric returns the grading prompt for one answer.
func EvaluatorRubric(question, answer string) string {
	return fmt.Sprintf(rubricTemplate, question, answer)
}
