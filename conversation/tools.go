package conversation

// Param is one typed parameter of a tool schema.
type Param struct {
	Name        string
	Type        string // JSON schema type: "string", "number", ...
	Description string
}

// ToolSchema describes one callable tool: name, what it does, and its
// typed parameter list. Schemas are fixed at context construction time.
type ToolSchema struct {
	Name        string
	Description string
	Params      []Param
	Required    []string
}
