// Package docs holds the OpenAPI description served under /swagger.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/jobs": {
            "get": {
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "List jobs",
                "parameters": [
                    {"type": "string", "description": "job kind", "name": "kind", "in": "query"},
                    {"type": "string", "description": "pending, processing, completed or failed", "name": "status", "in": "query"},
                    {"type": "integer", "description": "page size (max 500)", "name": "limit", "in": "query"},
                    {"type": "integer", "description": "offset", "name": "offset", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.listJobsResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            },
            "post": {
                "description": "Inserts a pending job. Re-sending the same kind and idempotency_key returns the original id.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Enqueue a job",
                "parameters": [
                    {"description": "job envelope", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/httptransport.enqueueJobDTO"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/httptransport.enqueueJobResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/jobs/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Get job by id",
                "parameters": [
                    {"type": "integer", "description": "job id", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.jobResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/jobs/{id}/requeue": {
            "post": {
                "description": "Moves a failed job back to pending with attempts reset to zero.",
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Requeue a failed job",
                "parameters": [
                    {"type": "integer", "description": "job id", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.jobResp"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/workers/{kind}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["workers"],
                "summary": "Last recorded runs for a job kind",
                "parameters": [
                    {"type": "string", "description": "job kind", "name": "kind", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.workerStatusResp"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        }
    },
    "definitions": {
        "httptransport.apiError": {
            "type": "object",
            "properties": {"message": {"type": "string"}}
        },
        "httptransport.enqueueJobDTO": {
            "type": "object",
            "properties": {
                "idempotency_key": {"type": "string"},
                "kind": {"type": "string"},
                "payload": {"type": "object", "additionalProperties": true}
            }
        },
        "httptransport.enqueueJobResp": {
            "type": "object",
            "properties": {"message_id": {"type": "integer"}}
        },
        "httptransport.jobResp": {
            "type": "object",
            "properties": {
                "attempts": {"type": "integer"},
                "created_at": {"type": "string"},
                "id": {"type": "integer"},
                "idempotency_key": {"type": "string"},
                "kind": {"type": "string"},
                "last_error": {"type": "string"},
                "locked_at": {"type": "string"},
                "locked_by": {"type": "string"},
                "payload": {"type": "object", "additionalProperties": true},
                "status": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "httptransport.listJobsResp": {
            "type": "object",
            "properties": {
                "jobs": {"type": "array", "items": {"$ref": "#/definitions/httptransport.jobResp"}}
            }
        },
        "httptransport.runResp": {
            "type": "object",
            "properties": {
                "at": {"type": "string"},
                "attempt": {"type": "integer"},
                "duration_ms": {"type": "integer"},
                "error": {"type": "string"},
                "job_id": {"type": "integer"},
                "outcome": {"type": "string"},
                "worker_id": {"type": "string"}
            }
        },
        "httptransport.workerStatusResp": {
            "type": "object",
            "properties": {
                "counts": {"type": "object", "additionalProperties": {"type": "integer"}},
                "kind": {"type": "string"},
                "last_error": {"type": "string"},
                "last_job_id": {"type": "integer"},
                "last_outcome": {"type": "string"},
                "last_run_at": {"type": "string"},
                "recent": {"type": "array", "items": {"$ref": "#/definitions/httptransport.runResp"}}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "enforcement-queue API",
	Description:      "Job queue inspection and enqueue API.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
