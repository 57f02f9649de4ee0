// Package docs registers the OpenAPI description of the settlement API
// with swag. Regenerate with `swag init -g main.go` after changing handler
// annotations.
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
        "/register-machine": {
            "post": {
                "description": "Creates a machine with trust 100. Re-registering the same id with the same key is idempotent.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Machines"],
                "summary": "Register a machine",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/settlement.Machine"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/submit-job": {
            "post": {
                "description": "Declares a unit of work. A reused job hash answers 409 with the stored job.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Jobs"],
                "summary": "Submit a job",
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/settlement.Job"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/complete-job": {
            "post": {
                "description": "Verifies the signed proof, computes the reward and pays it. Repeating a successful call returns the original result.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Jobs"],
                "summary": "Complete a job",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.CompleteResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/update-trust": {
            "post": {
                "description": "Scorer-only. The first verdict per job hash is applied; later ones return the machine unchanged.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Trust"],
                "summary": "Apply a trust verdict",
                "parameters": [
                    {"type": "string", "description": "scorer key", "name": "X-API-Key", "in": "header", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/settlement.VerdictResult"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/flag-job": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Jobs"],
                "summary": "Flag a job",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/settlement.Job"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/estimate-reward": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Rewards"],
                "summary": "Estimate a reward",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/reward.Breakdown"}}
                }
            }
        },
        "/metrics": {
            "get": {
                "description": "Activity window, decay, treasury state and recent settlements.",
                "produces": ["application/json"],
                "tags": ["Network"],
                "summary": "Network metrics",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/settlement.NetworkMetrics"}}
                }
            }
        },
        "/jobs/{hash}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Jobs"],
                "summary": "Get a job",
                "parameters": [
                    {"type": "string", "description": "job hash", "name": "hash", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/settlement.Job"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/machines/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Machines"],
                "summary": "Get a machine",
                "parameters": [
                    {"type": "string", "description": "machine id", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/settlement.Machine"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/machines/{id}/jobs": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Machines"],
                "summary": "List a machine's jobs",
                "parameters": [
                    {"type": "string", "description": "machine id", "name": "id", "in": "path", "required": true},
                    {"type": "integer", "description": "max jobs, default 50", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.MachineJobsResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/machines/{id}/qrcode": {
            "get": {
                "produces": ["image/png"],
                "tags": ["Machines"],
                "summary": "Machine pairing QR code",
                "parameters": [
                    {"type": "string", "description": "machine id", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "file"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/events": {
            "get": {
                "description": "Websocket. Sends up to history recent events, then every new one. machine_id filters by machine.",
                "tags": ["Network"],
                "summary": "Live event stream",
                "parameters": [
                    {"type": "integer", "description": "recent events to replay", "name": "history", "in": "query"},
                    {"type": "string", "description": "only events for this machine", "name": "machine_id", "in": "query"}
                ],
                "responses": {}
            }
        },
        "/healthz": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Health"],
                "summary": "Health check",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.HealthStatus"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/handlers.HealthStatus"}}
                }
            }
        }
    },
    "definitions": {
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string"},
                "code": {"type": "string"},
                "fatal": {"type": "boolean"},
                "job": {}
            }
        },
        "handlers.CompleteResponse": {
            "type": "object",
            "properties": {
                "job_hash": {"type": "string"},
                "machine_id": {"type": "string"},
                "recipient_wallet": {"type": "string"},
                "outcome": {"type": "string"},
                "reward": {"type": "number"},
                "reward_units": {"type": "integer"},
                "agent_reward": {"type": "number"},
                "treasury_fee": {"type": "number"},
                "founder_fee": {"type": "number"},
                "tx_signature": {"type": "string"},
                "activity_ratio": {"type": "number"},
                "complexity_claimed": {"type": "number"},
                "duration_seconds": {"type": "number"},
                "source": {"type": "string"},
                "duplicate": {"type": "boolean"}
            }
        },
        "handlers.HealthStatus": {
            "type": "object",
            "properties": {
                "status": {"type": "string"},
                "store": {"type": "string"},
                "treasury_tier": {"type": "string"},
                "minting_enabled": {"type": "boolean"},
                "uptime": {"type": "string"}
            }
        },
        "handlers.MachineJobsResponse": {
            "type": "object",
            "properties": {
                "machine_id": {"type": "string"},
                "count": {"type": "integer"},
                "jobs": {"type": "array", "items": {"$ref": "#/definitions/settlement.Job"}}
            }
        },
        "reward.Breakdown": {
            "type": "object",
            "properties": {
                "reward": {"type": "number"},
                "warmup_multiplier": {"type": "number"}
            }
        },
        "settlement.Machine": {
            "type": "object",
            "properties": {
                "machine_id": {"type": "string"},
                "public_key": {"type": "string"},
                "owner_wallet": {"type": "string"},
                "trust_score": {"type": "integer"},
                "trust_state": {"type": "string"},
                "job_count": {"type": "integer"},
                "work_seconds": {"type": "number"},
                "registered_at": {"type": "string"}
            }
        },
        "settlement.Job": {
            "type": "object",
            "properties": {
                "job_hash": {"type": "string"},
                "machine_id": {"type": "string"},
                "complexity": {"type": "number"},
                "status": {"type": "string"},
                "payload_cid": {"type": "string"},
                "started_at": {"type": "string"},
                "completed_at": {"type": "string"},
                "reject_reason": {"type": "string"}
            }
        },
        "settlement.VerdictResult": {
            "type": "object",
            "properties": {
                "duplicate": {"type": "boolean"}
            }
        },
        "settlement.NetworkMetrics": {
            "type": "object",
            "properties": {
                "activity_ratio": {"type": "number"},
                "days_since_launch": {"type": "number"},
                "decay_multiplier": {"type": "number"},
                "treasury_tier": {"type": "string"},
                "base_rate": {"type": "number"}
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
	Title:            "Foundry settlement API",
	Description:      "Job settlement for autonomous machines: registration, job ledger, signed completion proofs, rewards and trust.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
