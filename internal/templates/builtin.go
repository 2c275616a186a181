package templates

import "github.com/rendis/opflow/pkg/schema"

// Behavior types used by the built-in templates. They match the generic
// behaviors registered by behaviors.RegisterBuiltins.
const (
	typeDataSet       = "data.set"
	typeDataTransform = "data.transform"
	typeGuardRequire  = "guard.require"
	typeGuardSchema   = "guard.schema"
)

func builtinTemplates() []*schema.Template {
	return []*schema.Template{
		simpleProductCheckout(),
		invoiceCheckout(),
		eventRegistration(),
		supportTicketIntake(),
	}
}

func simpleProductCheckout() *schema.Template {
	return &schema.Template{
		ID:          SimpleProductCheckout,
		Name:        "Simple Product Checkout",
		Description: "Sell a single product through a checkout page.",
		Category:    CategoryCheckout,
		Subtype:     "product",
		Participants: []schema.ParticipantRole{
			{Role: "product", ObjectKind: "product", Required: true},
			{Role: "checkout_page", ObjectKind: "page", Required: true},
		},
		Behaviors: []schema.BehaviorSpec{},
		Execution: schema.ExecutionContract{
			TriggerOn:      "checkout_start",
			RequiredInputs: []string{schema.InputProductSelection},
			OutputActions:  []string{"create_transaction"},
			FailurePolicy:  schema.PolicyRollback,
		},
	}
}

func invoiceCheckout() *schema.Template {
	return &schema.Template{
		ID:          InvoiceCheckout,
		Name:        "Checkout with Invoice",
		Description: "Checkout that detects billing details and drafts an invoice.",
		Category:    CategoryCheckout,
		Subtype:     "invoice",
		Participants: []schema.ParticipantRole{
			{Role: "product", ObjectKind: "product", Required: true},
			{Role: "checkout_page", ObjectKind: "page", Required: true},
			{Role: "billing_form", ObjectKind: "form", Required: false},
		},
		Behaviors: []schema.BehaviorSpec{
			{
				Type:        typeGuardRequire,
				Enabled:     true,
				Priority:    100,
				Description: "Require at least one selected product",
				Config: map[string]any{
					"expression": "size(objects) > 0",
					"message":    "no product selected",
				},
			},
			{
				Type:        typeDataTransform,
				Enabled:     true,
				Priority:    80,
				Description: "Detect billing details from the submitted inputs",
				Config: map[string]any{
					"program": `[.inputs[] | .payload.billing // empty] | first // {}`,
					"target":  "billing",
				},
			},
			{
				Type:        typeDataSet,
				Enabled:     true,
				Priority:    50,
				Description: "Draft the invoice",
				Config: map[string]any{
					"values": map[string]any{
						"invoice_status":  "draft",
						"invoice_country": "=data.billing?.country ?? 'unknown'",
					},
				},
			},
		},
		Execution: schema.ExecutionContract{
			TriggerOn:      "checkout_start",
			RequiredInputs: []string{schema.InputProductSelection},
			OutputActions:  []string{"create_transaction", "create_invoice"},
			FailurePolicy:  schema.PolicyRollback,
		},
	}
}

func eventRegistration() *schema.Template {
	return &schema.Template{
		ID:          EventRegistration,
		Name:        "Event Registration",
		Description: "Register attendees from a form submission while seats remain.",
		Category:    CategoryRegistration,
		Subtype:     "event",
		Participants: []schema.ParticipantRole{
			{Role: "registration_form", ObjectKind: "form", Required: true},
			{Role: "event", ObjectKind: "event", Required: true},
		},
		Behaviors: []schema.BehaviorSpec{
			{
				Type:        typeDataTransform,
				Enabled:     true,
				Priority:    100,
				Description: "Extract the registration answers",
				Config: map[string]any{
					"program": `[.inputs[] | select(.kind == "form_responses") | .payload] | first // {}`,
					"target":  "registration",
				},
			},
			{
				Type:        typeGuardSchema,
				Enabled:     true,
				Priority:    90,
				Description: "Validate the registration answers",
				Config: map[string]any{
					"key": "registration",
					"schema": map[string]any{
						"type":     "object",
						"required": []any{"email"},
						"properties": map[string]any{
							"email": map[string]any{"type": "string", "minLength": 3},
						},
					},
				},
			},
			{
				Type:        typeGuardRequire,
				Enabled:     true,
				Priority:    80,
				Description: "Check remaining capacity",
				Config: map[string]any{
					"expression": "!('registered' in data) || !('capacity' in data) || data.registered < data.capacity",
					"message":    "event is full",
				},
			},
		},
		Execution: schema.ExecutionContract{
			TriggerOn:      "form_submission",
			RequiredInputs: []string{schema.InputFormResponses},
			OutputActions:  []string{"create_registration"},
			FailurePolicy:  schema.PolicyRollback,
		},
	}
}

func supportTicketIntake() *schema.Template {
	return &schema.Template{
		ID:          SupportTicketIntake,
		Name:        "Support Ticket Intake",
		Description: "Turn a support form submission into a ticket.",
		Category:    CategorySupport,
		Subtype:     "ticket",
		Participants: []schema.ParticipantRole{
			{Role: "support_form", ObjectKind: "form", Required: true},
		},
		Behaviors: []schema.BehaviorSpec{
			{
				Type:        typeDataTransform,
				Enabled:     true,
				Priority:    100,
				Description: "Extract the ticket fields",
				Config: map[string]any{
					"program": `[.inputs[] | select(.kind == "form_responses") | .payload] | first // {}`,
					"target":  "ticket",
				},
			},
			{
				Type:        typeDataSet,
				Enabled:     true,
				Priority:    50,
				Description: "Open the ticket",
				Config: map[string]any{
					"values": map[string]any{
						"ticket_status": "open",
						"ticket_subject": "=data.ticket?.subject ?? 'No subject'",
					},
				},
			},
		},
		Execution: schema.ExecutionContract{
			TriggerOn:      "form_submission",
			RequiredInputs: []string{schema.InputFormResponses},
			OutputActions:  []string{"create_ticket"},
			FailurePolicy:  schema.PolicyNotify,
		},
	}
}
