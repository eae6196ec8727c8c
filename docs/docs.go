// Package docs holds the OpenAPI document served by gin-swagger.
// Regenerate with: swag init -g internal/http/router.go -o docs
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
                "tags": ["Jobs"],
                "summary": "List integration jobs (paginated)",
                "operationId": "listJobs",
                "parameters": [
                    {"type": "string", "description": "Tenant ID", "name": "X-Tenant-ID", "in": "header"},
                    {"type": "string", "description": "Return 304 if ETag matches", "name": "If-None-Match", "in": "header"},
                    {"type": "string", "description": "Vehicle filter", "name": "vehicle_id", "in": "query"},
                    {"type": "string", "description": "Portal filter", "name": "portal_code", "in": "query"},
                    {"enum": ["pending", "processing", "completed", "failed", "cancelled"], "type": "string", "description": "Status filter", "name": "status", "in": "query"},
                    {"minimum": 1, "type": "integer", "default": 1, "description": "Page number", "name": "page", "in": "query"},
                    {"maximum": 100, "minimum": 1, "type": "integer", "default": 20, "description": "Items per page", "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListJobsResponse"}},
                    "304": {"description": "Not Modified"},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Jobs"],
                "summary": "Enqueue an integration job",
                "operationId": "enqueueJob",
                "parameters": [
                    {"type": "string", "description": "Tenant ID", "name": "X-Tenant-ID", "in": "header"},
                    {"type": "string", "description": "Idempotency key", "name": "Idempotency-Key", "in": "header"},
                    {"description": "Job payload", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.EnqueueJobRequest"}}
                ],
                "responses": {
                    "200": {"description": "Existing job for the key", "schema": {"$ref": "#/definitions/domain.IntegrationJob"}},
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/domain.IntegrationJob"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Vehicle not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/jobs/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Jobs"],
                "summary": "Get an integration job",
                "operationId": "getJob",
                "parameters": [
                    {"type": "string", "description": "Job ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.IntegrationJob"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/jobs/{id}/cancel": {
            "post": {
                "produces": ["application/json"],
                "tags": ["Jobs"],
                "summary": "Cancel a pending or processing job",
                "operationId": "cancelJob",
                "parameters": [
                    {"type": "string", "description": "Job ID", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.IntegrationJob"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Not cancellable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/logs": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Logs"],
                "summary": "List integration audit entries (paginated)",
                "operationId": "listLogs",
                "parameters": [
                    {"type": "string", "description": "Tenant ID", "name": "X-Tenant-ID", "in": "header"},
                    {"type": "string", "description": "Job filter", "name": "job_id", "in": "query"},
                    {"type": "string", "description": "Portal filter", "name": "portal_code", "in": "query"},
                    {"enum": ["info", "error"], "type": "string", "description": "Level filter", "name": "level", "in": "query"},
                    {"minimum": 1, "type": "integer", "default": 1, "description": "Page number", "name": "page", "in": "query"},
                    {"maximum": 100, "minimum": 1, "type": "integer", "default": 20, "description": "Items per page", "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListLogsResponse"}},
                    "304": {"description": "Not Modified"},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "domain.IntegrationJob": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "tenant_id": {"type": "string"},
                "vehicle_id": {"type": "string"},
                "portal_code": {"type": "string"},
                "job_type": {"type": "string"},
                "status": {"type": "string"},
                "attempts": {"type": "integer"},
                "max_attempts": {"type": "integer"},
                "next_attempt_at": {"type": "string"},
                "last_error": {"type": "string"},
                "idempotency_key": {"type": "string"},
                "generation": {"type": "integer"},
                "claimed_by": {"type": "string"},
                "claimed_at": {"type": "string"},
                "finished_at": {"type": "string"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "domain.IntegrationLog": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "tenant_id": {"type": "string"},
                "portal_code": {"type": "string"},
                "job_id": {"type": "string"},
                "level": {"type": "string"},
                "message": {"type": "string"},
                "created_at": {"type": "string"}
            }
        },
        "handlers.EnqueueJobRequest": {
            "type": "object",
            "required": ["job_type", "portal_code", "vehicle_id"],
            "properties": {
                "tenant_id": {"type": "string", "example": "dealer-7"},
                "vehicle_id": {"type": "string"},
                "portal_code": {"type": "string", "example": "olx"},
                "job_type": {"type": "string", "enum": ["publish", "update", "pause", "delete", "sync_status"]}
            }
        },
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string"},
                "code": {"type": "string", "example": "not_found"},
                "message": {"type": "string", "example": "resource not found"}
            }
        },
        "handlers.Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total": {"type": "integer"},
                "total_pages": {"type": "integer"},
                "has_next": {"type": "boolean"}
            }
        },
        "handlers.ListJobsResponse": {
            "type": "object",
            "properties": {
                "jobs": {"type": "array", "items": {"$ref": "#/definitions/domain.IntegrationJob"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        },
        "handlers.ListLogsResponse": {
            "type": "object",
            "properties": {
                "logs": {"type": "array", "items": {"$ref": "#/definitions/domain.IntegrationLog"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Portal Integrator API",
	Description:      "Enqueue and track dealership listing jobs for external marketplaces.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
