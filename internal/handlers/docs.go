package handlers

import (
	"encoding/json"
	"net/http"
)

func queryParam(name, description string, schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"in":          "query",
		"description": description,
		"required":    false,
		"schema":      schema,
	}
}

func jsonResponse(description, ref string) map[string]interface{} {
	return map[string]interface{}{
		"description": description,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{
				"schema": map[string]string{"$ref": "#/components/schemas/" + ref},
			},
		},
	}
}

var kindSchema = map[string]interface{}{
	"type": "string",
	"enum": []string{"dashboard", "exchange", "metadata"},
}

// OpenAPISpec returns the OpenAPI 3.0 specification for the diagnostics API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	diagnostic := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"kind":        map[string]string{"type": "string"},
			"stage":       map[string]string{"type": "string"},
			"severity":    map[string]interface{}{"type": "string", "enum": []string{"advisory", "fatal"}},
			"description": map[string]string{"type": "string"},
			"row_count":   map[string]string{"type": "integer"},
			"visit_count": map[string]string{"type": "integer"},
			"sample": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "object", "additionalProperties": map[string]string{"type": "string"}},
			},
		},
	}

	runProperties := map[string]interface{}{
		"run_id":           map[string]string{"type": "string", "format": "uuid"},
		"kind":             kindSchema,
		"status":           map[string]interface{}{"type": "string", "enum": []string{"running", "succeeded", "failed"}},
		"dry_run":          map[string]string{"type": "boolean"},
		"include_deletes":  map[string]string{"type": "boolean"},
		"source_folder":    map[string]string{"type": "string"},
		"started_at":       map[string]string{"type": "string", "format": "date-time"},
		"finished_at":      map[string]interface{}{"type": "string", "format": "date-time", "nullable": true},
		"result_rows":      map[string]string{"type": "integer"},
		"output_rows":      map[string]string{"type": "integer"},
		"advisory_count":   map[string]string{"type": "integer"},
		"error_message":    map[string]string{"type": "string"},
		"duration_seconds": map[string]string{"type": "number"},
	}

	runDetailProperties := map[string]interface{}{
		"fatal_count": map[string]string{"type": "integer"},
		"findings":    map[string]interface{}{"type": "array", "items": map[string]string{"$ref": "#/components/schemas/Diagnostic"}},
	}
	for k, v := range runProperties {
		runDetailProperties[k] = v
	}

	spec := map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":       "Water Quality ETL Diagnostics API",
			"description": "Read-only view of pipeline runs and the quality-control findings they reported",
			"version":     "1.0.0",
			"contact": map[string]string{
				"name": "Water Quality Data Team",
			},
		},
		"servers": []map[string]string{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": map[string]interface{}{
			"/api/runs": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "List pipeline runs",
					"description": "Runs newest first, filtered by kind and status",
					"parameters": []map[string]interface{}{
						queryParam("kind", "Filter by run kind", kindSchema),
						queryParam("status", "Filter by run status", map[string]interface{}{"type": "string", "enum": []string{"running", "succeeded", "failed"}}),
						queryParam("page", "Page number (default: 1)", map[string]interface{}{"type": "integer", "default": 1}),
						queryParam("limit", "Runs per page (default: 50, max: 500)", map[string]interface{}{"type": "integer", "default": 50}),
					},
					"responses": map[string]interface{}{
						"200": jsonResponse("Successful response", "RunPage"),
						"400": jsonResponse("Invalid filter", "Error"),
					},
				},
			},
			"/api/runs/latest": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Get the latest run",
					"description": "The most recently started run, optionally of one kind, with its findings",
					"parameters": []map[string]interface{}{
						queryParam("kind", "Restrict to one run kind", kindSchema),
					},
					"responses": map[string]interface{}{
						"200": jsonResponse("Successful response", "RunDetail"),
						"404": jsonResponse("No run recorded yet", "Error"),
					},
				},
			},
			"/api/runs/{id}": map[string]interface{}{
				"get": map[string]interface{}{
					"summary": "Get one run with its findings",
					"parameters": []map[string]interface{}{
						{
							"name":     "id",
							"in":       "path",
							"required": true,
							"schema":   map[string]string{"type": "string", "format": "uuid"},
						},
					},
					"responses": map[string]interface{}{
						"200": jsonResponse("Successful response", "RunDetail"),
						"404": jsonResponse("Run not found", "Error"),
					},
				},
			},
			"/health": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Health check",
					"description": "Check if the API and its database are reachable",
					"responses": map[string]interface{}{
						"200": map[string]interface{}{"description": "API is healthy"},
						"503": map[string]interface{}{"description": "Database unreachable"},
					},
				},
			},
			"/metrics": map[string]interface{}{
				"get": map[string]interface{}{
					"summary":     "Prometheus metrics",
					"description": "Prometheus metrics endpoint for monitoring",
					"responses": map[string]interface{}{
						"200": map[string]interface{}{
							"description": "Prometheus metrics in text format",
							"content": map[string]interface{}{
								"text/plain": map[string]interface{}{
									"schema": map[string]string{"type": "string"},
								},
							},
						},
					},
				},
			},
		},
		"components": map[string]interface{}{
			"schemas": map[string]interface{}{
				"Diagnostic": diagnostic,
				"Run":        map[string]interface{}{"type": "object", "properties": runProperties},
				"RunDetail":  map[string]interface{}{"type": "object", "properties": runDetailProperties},
				"RunPage": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"data":        map[string]interface{}{"type": "array", "items": map[string]string{"$ref": "#/components/schemas/Run"}},
						"total":       map[string]string{"type": "integer"},
						"page":        map[string]string{"type": "integer"},
						"limit":       map[string]string{"type": "integer"},
						"total_pages": map[string]string{"type": "integer"},
					},
				},
				"Error": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"error":   map[string]string{"type": "string"},
						"message": map[string]string{"type": "string"},
						"code":    map[string]string{"type": "integer"},
					},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(spec)
}
