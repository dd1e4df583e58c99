package prompts

// EmptyResponseNudge is the prompt injected when the model returns no
// content. It gives the model one more chance to answer the visitor.
const EmptyResponseNudge = "You did not provide a response to the user. Answer their last message now, in character."

