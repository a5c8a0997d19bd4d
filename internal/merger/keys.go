package merger

// SubblockKey identifies one sub-block field of one block.
type SubblockKey struct {
	WorkflowID string
	BlockID    string
	SubblockID string
}

func (k SubblockKey) String() string {
	return k.WorkflowID + "/" + k.BlockID + "/" + k.SubblockID
}

// VariableKey identifies one field of one named workflow variable.
type VariableKey struct {
	WorkflowID string
	VariableID string
	Field      string
}

func (k VariableKey) String() string {
	return k.WorkflowID + "/var/" + k.VariableID + "/" + k.Field
}
