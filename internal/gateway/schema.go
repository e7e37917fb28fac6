package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/agentdeck/internal/ingest"
)

// reportSchema validates the report envelope, not its vocabulary: only
// machine_id is required, task entries may carry fields we ignore, and
// unknown statuses are the normalizer's problem.
const reportSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["machine_id"],
  "properties": {
    "machine_id": {"type": "string", "minLength": 1},
    "machine_fingerprint": {"type": "string"},
    "machine_name": {"type": "string"},
    "name": {"type": "string"},
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "title": {"type": "string"},
          "status": {"type": "string"},
          "source": {"type": "string"},
          "created_at": {"type": "string"},
          "updated_at": {"type": "string"},
          "preview_images": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

var compiledReportSchema = mustCompileReportSchema()

func mustCompileReportSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(reportSchema))
	if err != nil {
		panic(fmt.Sprintf("parse report schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("report.schema.json", doc); err != nil {
		panic(fmt.Sprintf("add report schema: %v", err))
	}
	schema, err := compiler.Compile("report.schema.json")
	if err != nil {
		panic(fmt.Sprintf("compile report schema: %v", err))
	}
	return schema
}

// decodeReportBody reads, schema-checks, and decodes an inbound report.
func decodeReportBody(r *http.Request) (ingest.Report, error) {
	var report ingest.Report
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return report, fmt.Errorf("read body: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return report, fmt.Errorf("invalid JSON body")
	}
	if err := compiledReportSchema.Validate(doc); err != nil {
		return report, fmt.Errorf("invalid report: %s", schemaErrorSummary(err))
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return report, fmt.Errorf("invalid report shape")
	}
	return report, nil
}

// schemaErrorSummary flattens a validation error to its first cause.
func schemaErrorSummary(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i > 0 {
		msg = msg[:i]
	}
	return msg
}
