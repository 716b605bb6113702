package authserver

// Tool scopes granted to gateway tokens and advertised in the metadata
// documents.
const (
	// ScopeExecutePython allows calling the execute_python tool.
	ScopeExecutePython = "execute_python"

	// ScopeGetOutputFile allows retrieving sandbox output artifacts.
	ScopeGetOutputFile = "get_output_file"

	// ScopeReadResources allows reading MCP resources.
	ScopeReadResources = "read_resources"
)

// SupportedScopes is the full scope set granted on login.
var SupportedScopes = []string{ScopeExecutePython, ScopeGetOutputFile, ScopeReadResources}
