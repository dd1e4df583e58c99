// Package prompts contains the prompt templates sent to reasoning
// engines: the persona system prompt with its mandated cache protocol,
// the evaluator rubric, and the recovery nudges used by the loop.
//
// Prompt text is Go code rather than config because it is program
// logic: the tool names it mentions must match the registry, and tests
// check that they do. Each prompt exposes a function that takes the
// dynamic parts and returns the interpolated string.
package prompts
