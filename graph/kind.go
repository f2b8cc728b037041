package graph

// NodeKind is the discriminant of a NodeWeight.
type NodeKind string

const (
	KindRoot                       NodeKind = "Root"
	KindCategory                   NodeKind = "Category"
	KindComponent                  NodeKind = "Component"
	KindSchemaVariant              NodeKind = "SchemaVariant"
	KindProp                       NodeKind = "Prop"
	KindAttributeValue             NodeKind = "AttributeValue"
	KindAttributePrototype         NodeKind = "AttributePrototype"
	KindAttributePrototypeArgument NodeKind = "AttributePrototypeArgument"
	KindInputSocket                NodeKind = "InputSocket"
	KindOutputSocket               NodeKind = "OutputSocket"
	KindFunc                       NodeKind = "Func"
	KindFuncArgument               NodeKind = "FuncArgument"
	KindDependentValueRoot         NodeKind = "DependentValueRoot"
	KindContent                    NodeKind = "Content"
	KindAction                     NodeKind = "Action"
)

// EdgeKind is the discriminant of an EdgeWeight. Together with the source
// and target it identifies an edge.
type EdgeKind string

const (
	EdgeUse                    EdgeKind = "Use"
	EdgeFrameContains          EdgeKind = "FrameContains"
	EdgeSocketValue            EdgeKind = "SocketValue"
	EdgeSocket                 EdgeKind = "Socket"
	EdgePrototype              EdgeKind = "Prototype"
	EdgePrototypeArgument      EdgeKind = "PrototypeArgument"
	EdgePrototypeArgumentValue EdgeKind = "PrototypeArgumentValue"
	EdgeRoot                   EdgeKind = "Root"
	EdgeContain                EdgeKind = "Contain"
	EdgeOrdering               EdgeKind = "Ordering"
	EdgeOrdinal                EdgeKind = "Ordinal"
	EdgeAction                 EdgeKind = "Action"
	EdgeActionPrototype        EdgeKind = "ActionPrototype"
	EdgeRepresents             EdgeKind = "Represents"
)

var edgeKinds = map[EdgeKind]bool{
	EdgeUse: true, EdgeFrameContains: true, EdgeSocketValue: true, EdgeSocket: true,
	EdgePrototype: true, EdgePrototypeArgument: true, EdgePrototypeArgumentValue: true,
	EdgeRoot: true, EdgeContain: true, EdgeOrdering: true, EdgeOrdinal: true,
	EdgeAction: true, EdgeActionPrototype: true, EdgeRepresents: true,
}

// Valid reports whether k is a known edge kind.
func (k EdgeKind) Valid() bool { return edgeKinds[k] }

// Owning reports whether an edge of this kind keeps its target alive and
// folds the target's Merkle hash into the source. Reference kinds only
// point at nodes owned elsewhere.
func (k EdgeKind) Owning() bool {
	switch k {
	case EdgeFrameContains, EdgePrototypeArgumentValue, EdgeOrdinal, EdgeRepresents, EdgeAction:
		return false
	default:
		return true
	}
}

// CategoryKind names the top-level buckets hanging off the root.
type CategoryKind string

const (
	CategoryComponent          CategoryKind = "Component"
	CategorySchema             CategoryKind = "Schema"
	CategoryFunc               CategoryKind = "Func"
	CategoryModule             CategoryKind = "Module"
	CategoryAction             CategoryKind = "Action"
	CategoryDependentValueRoot CategoryKind = "DependentValueRoots"
)

// Arity bounds how many arguments an input socket accepts per component.
type Arity string

const (
	ArityOne  Arity = "one"
	ArityMany Arity = "many"
)

// ActionState is the lifecycle of an Action node.
type ActionState string

const (
	ActionQueued     ActionState = "Queued"
	ActionDispatched ActionState = "Dispatched"
	ActionRunning    ActionState = "Running"
	ActionFailed     ActionState = "Failed"
	ActionOnHold     ActionState = "OnHold"
)

// Direction selects incoming or outgoing edges.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)
