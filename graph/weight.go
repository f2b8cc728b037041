package graph

import (
	"fmt"
	"slices"

	"rebaser/apperror"
	"rebaser/cas"
)

// ContentKind names the payload family a content hash belongs to.
type ContentKind string

const (
	ContentComponent          ContentKind = "Component"
	ContentSchema             ContentKind = "Schema"
	ContentSchemaVariant      ContentKind = "SchemaVariant"
	ContentProp               ContentKind = "Prop"
	ContentAttributeValue     ContentKind = "AttributeValue"
	ContentAttributePrototype ContentKind = "AttributePrototype"
	ContentInputSocket        ContentKind = "InputSocket"
	ContentOutputSocket       ContentKind = "OutputSocket"
	ContentFunc               ContentKind = "Func"
	ContentFuncArgument       ContentKind = "FuncArgument"
	ContentActionPrototype    ContentKind = "ActionPrototype"
	ContentModule             ContentKind = "Module"
	ContentSecret             ContentKind = "Secret"
	ContentStatic             ContentKind = "StaticArgumentValue"
)

// ContentAddress points at an opaque payload in the blob store.
type ContentAddress struct {
	Kind ContentKind `json:"kind,omitempty"`
	Hash cas.Hash    `json:"hash"`
}

func (c ContentAddress) IsZero() bool { return c.Kind == "" && c.Hash.IsZero() }

// ArgumentTargets records which components an inter-component connection
// runs between.
type ArgumentTargets struct {
	SourceComponentID      ID `json:"sourceComponentId"`
	DestinationComponentID ID `json:"destinationComponentId"`
}

// NodeWeight is the payload of a node. Kind selects the variant; the
// variant fields that do not belong to Kind are always zero.
type NodeWeight struct {
	ID        ID             `json:"id"`
	LineageID ID             `json:"lineageId"`
	Kind      NodeKind       `json:"kind"`
	Content   ContentAddress `json:"content"`

	Category CategoryKind     `json:"category,omitempty"` // Category
	Arity    Arity            `json:"arity,omitempty"`    // InputSocket
	Targets  *ArgumentTargets `json:"targets,omitempty"`  // AttributePrototypeArgument
	ValueID  *ID              `json:"valueId,omitempty"`  // DependentValueRoot
	State    ActionState      `json:"state,omitempty"`    // Action
}

// variant describes what each node kind accepts.
type variant struct {
	// content lists the accepted content kinds; nil means the variant
	// carries no content.
	content []ContentKind
	// anyContent accepts every content kind.
	anyContent bool
	// optional allows the content to be absent.
	optional bool
	check    func(w NodeWeight) error
}

var variants = map[NodeKind]variant{
	KindRoot: {},
	KindCategory: {check: func(w NodeWeight) error {
		if w.Category == "" {
			return fmt.Errorf("category kind is required")
		}
		return nil
	}},
	KindComponent:          {content: []ContentKind{ContentComponent}},
	KindSchemaVariant:      {content: []ContentKind{ContentSchemaVariant, ContentSchema}},
	KindProp:               {content: []ContentKind{ContentProp}},
	KindAttributeValue:     {content: []ContentKind{ContentAttributeValue}, optional: true},
	KindAttributePrototype: {content: []ContentKind{ContentAttributePrototype}, optional: true},
	KindAttributePrototypeArgument: {
		content:  []ContentKind{ContentStatic},
		optional: true,
		check: func(w NodeWeight) error {
			if t := w.Targets; t != nil && (t.SourceComponentID.IsZero() || t.DestinationComponentID.IsZero()) {
				return fmt.Errorf("argument targets need both components")
			}
			return nil
		},
	},
	KindInputSocket: {content: []ContentKind{ContentInputSocket}, check: func(w NodeWeight) error {
		if w.Arity != ArityOne && w.Arity != ArityMany {
			return fmt.Errorf("arity %q is not one or many", w.Arity)
		}
		return nil
	}},
	KindOutputSocket: {content: []ContentKind{ContentOutputSocket}},
	KindFunc:         {content: []ContentKind{ContentFunc}},
	KindFuncArgument: {content: []ContentKind{ContentFuncArgument}},
	KindDependentValueRoot: {check: func(w NodeWeight) error {
		if w.ValueID == nil || w.ValueID.IsZero() {
			return fmt.Errorf("value id is required")
		}
		return nil
	}},
	KindContent: {anyContent: true},
	KindAction: {check: func(w NodeWeight) error {
		switch w.State {
		case ActionQueued, ActionDispatched, ActionRunning, ActionFailed, ActionOnHold:
			return nil
		}
		return fmt.Errorf("action state %q is unknown", w.State)
	}},
}

// Validate checks the weight against its variant: known kind, ids present,
// compatible content, only its own variant fields set.
func (w NodeWeight) Validate() error {
	v, ok := variants[w.Kind]
	if !ok {
		return apperror.InvariantViolation("unknown node kind %q", w.Kind)
	}
	if w.ID.IsZero() || w.LineageID.IsZero() {
		return apperror.InvariantViolation("%s node is missing its id or lineage id", w.Kind)
	}

	switch {
	case v.anyContent:
		if w.Content.Kind == "" || w.Content.Hash.IsZero() {
			return apperror.InvariantViolation("%s node %s needs a content address", w.Kind, w.ID)
		}
	case v.content == nil:
		if !w.Content.IsZero() {
			return apperror.InvariantViolation("%s node %s does not carry content", w.Kind, w.ID)
		}
	case w.Content.IsZero():
		if !v.optional {
			return apperror.InvariantViolation("%s node %s needs %v content", w.Kind, w.ID, v.content)
		}
	default:
		if !slices.Contains(v.content, w.Content.Kind) {
			return apperror.InvariantViolation("%s node %s rejects %s content", w.Kind, w.ID, w.Content.Kind)
		}
		if w.Content.Hash.IsZero() {
			return apperror.InvariantViolation("%s node %s has an empty content hash", w.Kind, w.ID)
		}
	}

	if (w.Category != "") != (w.Kind == KindCategory) ||
		(w.Arity != "") != (w.Kind == KindInputSocket) ||
		(w.ValueID != nil) != (w.Kind == KindDependentValueRoot) ||
		(w.State != "") != (w.Kind == KindAction) ||
		(w.Targets != nil && w.Kind != KindAttributePrototypeArgument) {
		return apperror.InvariantViolation("%s node %s has fields of another variant", w.Kind, w.ID)
	}

	if v.check != nil {
		if err := v.check(w); err != nil {
			return apperror.InvariantViolation("%s node %s: %v", w.Kind, w.ID, err)
		}
	}
	return nil
}

// NodeHash hashes the content and variant fields. Ids are excluded: two
// nodes carrying the same payload hash the same.
func (w NodeWeight) NodeHash() cas.Hash {
	h := cas.NewHasher()
	h.WriteString(string(w.Kind))
	h.WriteString(string(w.Content.Kind))
	h.WriteHash(w.Content.Hash)
	h.WriteString(string(w.Category))
	h.WriteString(string(w.Arity))
	h.WriteString(string(w.State))
	if w.Targets != nil {
		h.WriteString("targets")
		h.WriteString(w.Targets.SourceComponentID.String())
		h.WriteString(w.Targets.DestinationComponentID.String())
	}
	if w.ValueID != nil {
		h.WriteString("value")
		h.WriteString(w.ValueID.String())
	}
	return h.Sum()
}

// ContentHash returns the hash of the node's payload blob, or its node hash
// for variants without content.
func (w NodeWeight) ContentHash() cas.Hash {
	if !w.Content.Hash.IsZero() {
		return w.Content.Hash
	}
	return w.NodeHash()
}

// String formats the weight for logs.
func (w NodeWeight) String() string {
	return fmt.Sprintf("%s(%s)", w.Kind, w.ID)
}

// NewWeight builds and validates a node of the given kind with fresh ids.
func NewWeight(kind NodeKind, content ContentAddress) (NodeWeight, error) {
	id := NewID()
	w := NodeWeight{ID: id, LineageID: id, Kind: kind, Content: content}
	if err := w.Validate(); err != nil {
		return NodeWeight{}, err
	}
	return w, nil
}

// MustNewWeight is NewWeight for fixtures; it panics on an invalid weight.
func MustNewWeight(kind NodeKind, content ContentAddress) NodeWeight {
	w, err := NewWeight(kind, content)
	if err != nil {
		panic(err)
	}
	return w
}

func NewRoot() NodeWeight {
	id := NewID()
	return NodeWeight{ID: id, LineageID: id, Kind: KindRoot}
}

func NewCategory(category CategoryKind) NodeWeight {
	id := NewID()
	return NodeWeight{ID: id, LineageID: id, Kind: KindCategory, Category: category}
}

func NewInputSocket(arity Arity, content cas.Hash) (NodeWeight, error) {
	id := NewID()
	w := NodeWeight{
		ID: id, LineageID: id, Kind: KindInputSocket, Arity: arity,
		Content: ContentAddress{Kind: ContentInputSocket, Hash: content},
	}
	if err := w.Validate(); err != nil {
		return NodeWeight{}, err
	}
	return w, nil
}

// NewPrototypeArgument builds an APA. targets is nil for arguments that are
// not inter-component connections.
func NewPrototypeArgument(targets *ArgumentTargets) (NodeWeight, error) {
	id := NewID()
	w := NodeWeight{ID: id, LineageID: id, Kind: KindAttributePrototypeArgument, Targets: targets}
	if err := w.Validate(); err != nil {
		return NodeWeight{}, err
	}
	return w, nil
}

func NewDependentValueRoot(valueID ID) NodeWeight {
	id := NewID()
	v := valueID
	return NodeWeight{ID: id, LineageID: id, Kind: KindDependentValueRoot, ValueID: &v}
}

func NewAction() NodeWeight {
	id := NewID()
	return NodeWeight{ID: id, LineageID: id, Kind: KindAction, State: ActionQueued}
}

// WithContent replaces the content, keeping id and lineage.
func (w NodeWeight) WithContent(content ContentAddress) (NodeWeight, error) {
	w.Content = content
	if err := w.Validate(); err != nil {
		return NodeWeight{}, err
	}
	return w, nil
}

// WithState moves an Action to a new state.
func (w NodeWeight) WithState(state ActionState) (NodeWeight, error) {
	if w.Kind != KindAction {
		return NodeWeight{}, apperror.InvariantViolation("%s has no action state", w)
	}
	w.State = state
	if err := w.Validate(); err != nil {
		return NodeWeight{}, err
	}
	return w, nil
}

// EdgeWeight is the payload of an edge. Key is only meaningful for
// Prototype and Contain edges; IsDefault only for Use.
type EdgeWeight struct {
	Kind      EdgeKind `json:"kind"`
	Key       string   `json:"key,omitempty"`
	IsDefault bool     `json:"isDefault,omitempty"`
}

// NewEdgeWeight returns a weight with no key.
func NewEdgeWeight(kind EdgeKind) EdgeWeight {
	return EdgeWeight{Kind: kind}
}

// Edge is a directed (source, kind, target) triplet with its weight.
type Edge struct {
	Source ID         `json:"source"`
	Target ID         `json:"target"`
	Weight EdgeWeight `json:"weight"`
}

func (e Edge) Kind() EdgeKind { return e.Weight.Kind }

func (e Edge) String() string {
	return fmt.Sprintf("%s -%s-> %s", e.Source, e.Weight.Kind, e.Target)
}
