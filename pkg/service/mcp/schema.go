package mcp

import (
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

// convertJSONSchemaToGenai converts JSON Schema to Gemini genai.Schema
func convertJSONSchemaToGenai(schema *jsonschema.Schema) (*genai.Schema, error) {
	if schema == nil {
		return nil, nil
	}

	genaiSchema := &genai.Schema{
		Description: schema.Description,
		Format:      schema.Format,
		Required:    schema.Required,
	}

	switch schema.Type {
	case "object":
		genaiSchema.Type = genai.TypeObject
	case "string":
		genaiSchema.Type = genai.TypeString
	case "number":
		genaiSchema.Type = genai.TypeNumber
	case "integer":
		genaiSchema.Type = genai.TypeInteger
	case "boolean":
		genaiSchema.Type = genai.TypeBoolean
	case "array":
		genaiSchema.Type = genai.TypeArray
	case "":
	default:
		return nil, goerr.New("unsupported schema type", goerr.V("type", schema.Type))
	}

	for _, v := range schema.Enum {
		if s, ok := v.(string); ok {
			genaiSchema.Enum = append(genaiSchema.Enum, s)
		}
	}

	if len(schema.Properties) > 0 {
		genaiSchema.Properties = make(map[string]*genai.Schema, len(schema.Properties))
		for name, propSchema := range schema.Properties {
			converted, err := convertJSONSchemaToGenai(propSchema)
			if err != nil {
				return nil, goerr.Wrap(err, "failed to convert property schema", goerr.V("property", name))
			}
			genaiSchema.Properties[name] = converted
		}
	}

	if schema.Items != nil {
		converted, err := convertJSONSchemaToGenai(schema.Items)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to convert items schema")
		}
		genaiSchema.Items = converted
	}

	return genaiSchema, nil
}

// convertGenaiToJSONSchema is the inverse of convertJSONSchemaToGenai, used
// to publish local tools over MCP. A nil schema becomes an empty object.
func convertGenaiToJSONSchema(schema *genai.Schema) (*jsonschema.Schema, error) {
	if schema == nil {
		return &jsonschema.Schema{Type: "object"}, nil
	}

	out := &jsonschema.Schema{
		Description: schema.Description,
		Format:      schema.Format,
		Required:    schema.Required,
	}

	switch schema.Type {
	case genai.TypeObject:
		out.Type = "object"
	case genai.TypeString:
		out.Type = "string"
	case genai.TypeNumber:
		out.Type = "number"
	case genai.TypeInteger:
		out.Type = "integer"
	case genai.TypeBoolean:
		out.Type = "boolean"
	case genai.TypeArray:
		out.Type = "array"
	case genai.TypeUnspecified, "":
	default:
		return nil, goerr.New("unsupported schema type", goerr.V("type", schema.Type))
	}

	for _, v := range schema.Enum {
		out.Enum = append(out.Enum, v)
	}

	if len(schema.Properties) > 0 {
		out.Properties = make(map[string]*jsonschema.Schema, len(schema.Properties))
		for name, prop := range schema.Properties {
			converted, err := convertGenaiToJSONSchema(prop)
			if err != nil {
				return nil, goerr.Wrap(err, "failed to convert property schema", goerr.V("property", name))
			}
			out.Properties[name] = converted
		}
	}

	if schema.Items != nil {
		converted, err := convertGenaiToJSONSchema(schema.Items)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to convert items schema")
		}
		out.Items = converted
	}

	return out, nil
}
