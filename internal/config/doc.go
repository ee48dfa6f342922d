// Package config loads askdata's configuration from a single JSON file.
//
// The file is created with defaults on first run. Every field left out of the
// file keeps its default, so a minimal config only names what differs:
//
//	{
//	  "channel": "webhook",
//	  "limits": {
//	    "max_concurrent_workflows": 5,
//	    "dedup_window": "5m",
//	    "generation_backoff": "1500ms"
//	  },
//	  "dataset": { "csv_path": "data/records.csv", "table": "records" },
//	  "generator": { "base_url": "https://api.deepseek.com", "api_key": "${DEEPSEEK_API_KEY}" }
//	}
//
// Durations are Go duration strings. A bare number is read as milliseconds.
//
// Environment Variable Support:
//
// Endpoint URLs, API keys, models, paths and the webhook secret may reference
// environment variables using $VAR or ${VAR}. Unset variables expand to the
// empty string. Command templates (media.convert_command,
// charts.screenshot_command) are not expanded here; their $IN and $OUT are
// bound when the command runs.
//
// Command-line flags registered with BindFlags override the file after Load.
// Validate reports every problem in one combined error.
package config
