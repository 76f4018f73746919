package agent

import (
	"fmt"
	"strings"

	"github.com/nidhogg/querydesk/internal/provider"
)

const systemPrefix = `You are an agent designed to interact with a SQL database.
Given an input question, create a syntactically correct %[1]s query to run, then look at the results of the query and return the answer.
Unless the user specifies a specific number of examples they wish to obtain, always limit your query to at most %[2]d results.
You can order the results by a relevant column to return the most interesting examples in the database.
Never query for all the columns from a specific table, only ask for the relevant columns given the question.
Only use the tools below, and only use the information they return to construct your final answer.
You MUST double check your query before executing it. If you get an error while executing a query, rewrite the query and try again.

DO NOT make any DML statements (INSERT, UPDATE, DELETE, DROP etc.) to the database.

If the question does not seem related to the database, just return "I don't know" as the answer.`

const formatInstructions = `Use the following format:

Question: the input question you must answer
Thought: you should always think about what to do
Action: the action to take, should be one of [%s]
Action Input: the input to the action
Observation: the result of the action
... (this Thought/Action/Action Input/Observation can repeat N times)
Thought: I now know the final answer
Final Answer: the final answer to the original input question`

const firstThought = "I should look at the tables in the database to see what I can query. Then I should query the schema of the most relevant tables."

// buildMessages assembles the prompt for one Thinking cycle.
func buildMessages(dialect string, topK int, tools *ToolRegistry, question string, steps []Step) []provider.Message {
	var sys strings.Builder
	fmt.Fprintf(&sys, systemPrefix, dialect, topK)
	sys.WriteString("\n\n")
	for _, t := range tools.Tools() {
		fmt.Fprintf(&sys, "%s: %s Input is %s.\n", t.Name(), t.Description, t.Input)
	}
	sys.WriteString("\n")
	fmt.Fprintf(&sys, formatInstructions, strings.Join(tools.Names(), ", "))

	var user strings.Builder
	fmt.Fprintf(&user, "Begin!\n\nQuestion: %s\nThought: %s\n", question, firstThought)
	for _, s := range steps {
		user.WriteString(strings.TrimSpace(s.log))
		fmt.Fprintf(&user, "\nObservation: %s\nThought: ", s.Observation)
	}

	return []provider.Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: user.String()},
	}
}
