package tools

// IOBound marks tools that share global network clients and must execute
// serially instead of through the parallel worker pool.
var IOBound = map[string]bool{
	"web_search":  true,
	"web_reader":  true,
	"browser_use": true,
}

func blackboardTools() []Tool {
	return []Tool{
		&ListIndicesTool{},
		&ReadIndexTool{},
		&AppendToIndexTool{},
		&UpdateIndexTool{},
		&CreateIndexTool{},
		&UpdateTaskTool{},
		&CreateResourceTool{},
		&ReadResourceTool{},
		&ListTemplatesTool{},
		&ReadTemplateTool{},
	}
}

func researchTools() []Tool {
	return []Tool{
		NewWebSearchTool(),
		NewWebReaderTool(),
		NewBrowserUseTool(),
	}
}

func workbenchTools() []Tool {
	return []Tool{
		&ReadFileTool{},
		&WriteFileTool{},
		&EditFileTool{},
		&ListFilesTool{},
		NewExecTool(),
	}
}

// ArchitectRegistry builds the coordinator's tool palette: blackboard,
// control flow, spawning and research.
func ArchitectRegistry(env *Env, exclude []string) *Registry {
	reg := NewRegistry(env)
	for _, t := range blackboardTools() {
		reg.Register(t)
	}
	reg.Register(&WaitTool{})
	reg.Register(&FinishTool{})
	reg.Register(&AskUserTool{})
	reg.Register(&SendMessageTool{})
	reg.Register(&SpawnSwarmAgentTool{})
	reg.Register(&InvokeAgentTool{})
	for _, t := range researchTools() {
		reg.Register(t)
	}
	applyExclusions(reg, exclude)
	return reg
}

// WorkerRegistry builds a worker's palette: blackboard, control flow
// without ask_user or spawning, plus the research and workbench tools.
func WorkerRegistry(env *Env, exclude []string) *Registry {
	reg := NewRegistry(env)
	for _, t := range blackboardTools() {
		reg.Register(t)
	}
	reg.Register(&WaitTool{})
	reg.Register(&FinishTool{})
	reg.Register(&SendMessageTool{})
	for _, t := range researchTools() {
		reg.Register(t)
	}
	for _, t := range workbenchTools() {
		reg.Register(t)
	}
	applyExclusions(reg, exclude)
	return reg
}

func applyExclusions(reg *Registry, exclude []string) {
	for _, name := range exclude {
		reg.Unregister(name)
	}
}
