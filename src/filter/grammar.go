package filter

// Expr is the grammar root: and-chains joined by "or".
type Expr struct {
	Terms []*AndChain `parser:"@@ ( \"or\" @@ )*"`
}

type AndChain struct {
	Terms []*NotExpr `parser:"@@ ( \"and\" @@ )*"`
}

type NotExpr struct {
	Negated *NotExpr `parser:"  \"not\" @@"`
	Term    *Term    `parser:"| @@"`
}

type Term struct {
	Paren      *Expr       `parser:"  \"(\" @@ \")\""`
	Comparison *Comparison `parser:"| @@"`
}

// Comparison is an operand with an optional tail. A bare column with no tail
// is a truthiness test.
type Comparison struct {
	Left *Operand  `parser:"@@"`
	Tail *CompTail `parser:"@@?"`
}

type CompTail struct {
	Cmp *CmpTail `parser:"  @@"`
	In  *InTail  `parser:"| @@"`
	Is  *IsTail  `parser:"| @@"`
}

type CmpTail struct {
	Op    string   `parser:"@Operators"`
	Right *Operand `parser:"@@"`
}

type InTail struct {
	Not      bool       `parser:"@\"not\"? \"in\""`
	Elements []*Operand `parser:"\"(\" @@ (\",\" @@)* \")\""`
}

type IsTail struct {
	Not bool `parser:"\"is\" @\"not\"? \"null\""`
}

type Operand struct {
	String *string  `parser:"  @String"`
	Float  *float64 `parser:"| @Float"`
	Int    *int64   `parser:"| @Int"`
	True   bool     `parser:"| @\"true\""`
	False  bool     `parser:"| @\"false\""`
	Null   bool     `parser:"| @\"null\""`
	Column *string  `parser:"| @Ident"`
}
