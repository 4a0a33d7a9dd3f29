package sampler

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Check is an assertion evaluated against every completed response.
// Checks feed the "checks" metric; they never change Outcome.Success.
//
// Example:
//
//	checks:
//	  - name: status is 200
//	    status: 200
//	  - name: body reports ok
//	    jsonPath: $.status
//	    equals: ok
type Check struct {
	// Name identifies the check in reports
	Name string `json:"name" yaml:"name"`

	// Status, when non-zero, must equal the response status code
	Status int `json:"status,omitempty" yaml:"status,omitempty"`

	// JSONPath selects a value from a JSON body ($.a.b[0] or gjson syntax)
	JSONPath string `json:"jsonPath,omitempty" yaml:"jsonPath,omitempty"`

	// Equals, when set, must equal the selected value (or the whole body)
	Equals string `json:"equals,omitempty" yaml:"equals,omitempty"`

	// Contains, when set, must be a substring of the selected value (or body)
	Contains string `json:"contains,omitempty" yaml:"contains,omitempty"`
}

// Validate reports whether the check asserts anything.
func (c Check) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("check name is required")
	}
	if c.Status == 0 && c.JSONPath == "" && c.Equals == "" && c.Contains == "" {
		return fmt.Errorf("check %q asserts nothing", c.Name)
	}
	if c.Status < 0 || c.Status > 999 {
		return fmt.Errorf("check %q: invalid status %d", c.Name, c.Status)
	}
	return nil
}

// Evaluate returns true when every configured condition holds.
func (c Check) Evaluate(status int, body []byte) bool {
	if c.Status != 0 && status != c.Status {
		return false
	}

	value := string(body)
	if c.JSONPath != "" {
		result := gjson.GetBytes(body, toGjsonPath(c.JSONPath))
		if !result.Exists() {
			return false
		}
		value = result.String()
	}

	if c.Equals != "" && value != c.Equals {
		return false
	}
	if c.Contains != "" && !strings.Contains(value, c.Contains) {
		return false
	}
	return true
}

// toGjsonPath converts a simple JSONPath ($.users[0].name) to gjson syntax
// (users.0.name). Paths without a $ prefix are passed through.
func toGjsonPath(path string) string {
	if !strings.HasPrefix(path, "$") {
		return path
	}

	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return "@this"
	}

	path = strings.NewReplacer("['", ".", "']", "", `["`, ".", `"]`, "", "[", ".", "]", "").Replace(path)
	return strings.TrimPrefix(path, ".")
}
