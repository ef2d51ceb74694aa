package webhook

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalidEvent はイベントがスキーマに合わないことを示す。
var ErrInvalidEvent = errors.New("invalid webhook event")

//go:embed event.schema.json
var eventSchemaJSON []byte

const eventSchemaURL = "./event.schema.json"

var eventSchema = mustCompileEventSchema()

func mustCompileEventSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(eventSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("webhook: イベントスキーマの読み込みに失敗しました: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(eventSchemaURL, doc); err != nil {
		panic(fmt.Sprintf("webhook: イベントスキーマの登録に失敗しました: %v", err))
	}
	return c.MustCompile(eventSchemaURL)
}

// validateEvent はボディをイベントスキーマで検証する。
func validateEvent(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("イベントのデコードに失敗しました: %w", err)
	}
	if err := eventSchema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}
