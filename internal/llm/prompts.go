package llm

import (
	"fmt"
	"strings"
)

// SQLPrompt asks for a single SQLite SELECT answering question over the
// table described by schema.
func SQLPrompt(schema, question string) string {
	var b strings.Builder
	b.WriteString("GOAL:\n")
	b.WriteString("You write valid SQLite queries. Turn the user's question into one SELECT statement.\n")
	b.WriteString("Return ONLY the SQL. No explanation, no comments, no markdown, no backticks, no trailing semicolon.\n")
	b.WriteString("The query must start with SELECT.\n\n")
	b.WriteString("TABLE:\n")
	b.WriteString(schema)
	b.WriteString("\n\nRULES:\n")
	b.WriteString("- Every column is TEXT except \"data\", which holds dates as YYYY-MM-DD.\n")
	b.WriteString("- Cast numeric text with CAST(col AS REAL) before arithmetic.\n")
	b.WriteString("- Compare names case-insensitively with LOWER().\n\n")
	b.WriteString("USER QUESTION:\n")
	b.WriteString(question)
	b.WriteString("\n")
	return b.String()
}

// FeedbackPrompt asks for a corrected query after the engine rejected
// failedQuery with engineError.
func FeedbackPrompt(schema, question, failedQuery, engineError string) string {
	return fmt.Sprintf(`%s
The previous query failed.

FAILED QUERY:
%s

ENGINE ERROR:
%s

Fix the query so it runs on SQLite and still answers the question. Return only the corrected SQL.
`, SQLPrompt(schema, question), failedQuery, engineError)
}

// HumanizePrompt asks for a short natural-language answer built only from
// data. data is one JSON object per line, or the no-results marker.
func HumanizePrompt(question, data string) string {
	return fmt.Sprintf(`GOAL:
You are a data humanizer. Turn the raw rows below into a clear, direct answer to the user's question.
Do not explain the process, the query or any calculation. Answer in the language of the question.
If the data is NO_RESULTS_FOUND, say that nothing matched the question.

USER QUESTION:
%s

DATA:
%s
`, question, data)
}

// ChartPrompt asks for a self-contained Chart.js page plotting data.
func ChartPrompt(request, data string) string {
	return fmt.Sprintf(`Analyse the data and the user's request and produce ONE static chart as a complete HTML document.

RULES:
1. Choose the chart type: "line" for time series and trends, "bar" for direct comparisons. Use "pie" only when the user asks for it.
2. Title the chart from the user's request.
3. Use Chart.js v4.4.1 and chartjs-plugin-datalabels v2.2.0 from the jsDelivr CDN and call Chart.register(ChartDataLabels).
4. The chart is not interactive: tooltips disabled and events set to [].
5. Wrap the canvas in <div id='chartContainer' style='width: 80%%; max-width: 1000px; margin: 20px auto; background-color: #ffffff; padding: 20px;'><canvas id='myChart'></canvas></div>.
6. Legend at the bottom. Data labels always visible, formatted with toLocaleString('de-DE').
7. Colors cycle through rgb(54,162,235), rgb(255,99,132), rgb(75,192,192), rgb(255,206,86), rgb(153,102,255).
8. Sort the data deterministically before plotting. The same input must produce the same page.
9. Answer with the HTML only, from <!DOCTYPE html> to </html>. No markdown fences, no commentary.

USER REQUEST:
%s

DATA:
%s
`, request, data)
}

// StripFences removes a surrounding markdown code fence, with or without a
// language tag.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		tag := strings.TrimSpace(s[:nl])
		if !strings.ContainsAny(tag, " \t") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
