package main

// Question is one canned question for --samples runs.
type Question struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Text        string `json:"text"`
}

// SampleQuestions exercise the usual shapes of question asked of the
// production dataset: totals, groupings, date filters and rankings.
var SampleQuestions = []Question{
	{
		Name:        "total_quantity",
		Description: "Single aggregate",
		Text:        "What is the total quantity produced?",
	},
	{
		Name:        "count_rows",
		Description: "Row count",
		Text:        "How many production orders are there?",
	},
	{
		Name:        "quantity_by_item",
		Description: "Group by",
		Text:        "Show the quantity produced per item",
	},
	{
		Name:        "top_items",
		Description: "Ranking with limit",
		Text:        "Which 5 items had the highest quantity?",
	},
	{
		Name:        "month_filter",
		Description: "Date filter",
		Text:        "How much was produced in January 2025?",
	},
	{
		Name:        "month_compare",
		Description: "Two periods side by side",
		Text:        "Compare January 2025 with January 2024",
	},
	{
		Name:        "daily_trend",
		Description: "Time series",
		Text:        "Show the daily total for the last 7 days in the data",
	},
	{
		Name:        "no_match",
		Description: "Filter that matches nothing",
		Text:        "How much of item ZZZ-DOES-NOT-EXIST was produced?",
	},
}
