package api

// sampleQueries are example questions by domain. Only the education set
// matches the bundled student database.
var sampleQueries = map[string][]string{
	"education": {
		"How many students are in the database?",
		"Show me all students with marks greater than 85",
		"What is the average marks by class?",
		"List all students in Data Science class",
		"Who has the highest marks?",
		"Count students by section",
	},
	"business": {
		"What are the total sales for this month?",
		"Show top 10 customers by revenue",
		"What's the average order value?",
		"List products with low inventory",
		"Show sales trend by region",
	},
	"hr": {
		"How many employees are in each department?",
		"What's the average salary by position?",
		"Show employees hired in the last year",
		"List employees due for performance review",
		"What's the employee retention rate?",
	},
}
