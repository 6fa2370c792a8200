package expr

// Evaluate interprets a compiled expression against an environment. It is
// pure and total: division by zero yields 0, unknown identifiers resolve to
// 0, and bitwise operators truncate their operands to i64 first. Only
// parsing can fail; evaluation never does.
func Evaluate(e Expr, env Env) Value {
	switch n := e.(type) {
	case NumberLit:
		return Number(n.Value)
	case StringLit:
		return String(n.Value)
	case BoolLit:
		return Bool(n.Value)
	case Ident:
		v, ok := env[n.Name]
		if !ok {
			return Number(0)
		}
		return Number(v)
	case Unary:
		return evalUnary(n, env)
	case Binary:
		return evalBinary(n, env)
	}
	return Number(0)
}

func evalUnary(n Unary, env Env) Value {
	v := Evaluate(n.Operand, env)
	switch n.Op {
	case OpNeg:
		return Number(-v.AsFloat64())
	case OpNot:
		return Bool(!v.AsBool())
	case OpBitNot:
		return Number(float64(^toI64(v.AsFloat64())))
	}
	return Number(0)
}

func evalBinary(n Binary, env Env) Value {
	// Short-circuit the logical operators; everything else evaluates both
	// sides unconditionally, matching the source evaluator's behavior.
	switch n.Op {
	case OpOr:
		l := Evaluate(n.Left, env)
		if l.AsBool() {
			return Bool(true)
		}
		return Bool(Evaluate(n.Right, env).AsBool())
	case OpAnd:
		l := Evaluate(n.Left, env)
		if !l.AsBool() {
			return Bool(false)
		}
		return Bool(Evaluate(n.Right, env).AsBool())
	}

	l := Evaluate(n.Left, env)
	r := Evaluate(n.Right, env)

	switch n.Op {
	case OpBitOr:
		return Number(float64(toI64(l.AsFloat64()) | toI64(r.AsFloat64())))
	case OpBitXor:
		return Number(float64(toI64(l.AsFloat64()) ^ toI64(r.AsFloat64())))
	case OpBitAnd:
		return Number(float64(toI64(l.AsFloat64()) & toI64(r.AsFloat64())))
	case OpEq:
		return Bool(valuesEqual(l, r))
	case OpNe:
		return Bool(!valuesEqual(l, r))
	case OpLt:
		return Bool(l.AsFloat64() < r.AsFloat64())
	case OpGt:
		return Bool(l.AsFloat64() > r.AsFloat64())
	case OpLe:
		return Bool(l.AsFloat64() <= r.AsFloat64())
	case OpGe:
		return Bool(l.AsFloat64() >= r.AsFloat64())
	case OpShl:
		return Number(float64(toI64(l.AsFloat64()) << uint(toI64(r.AsFloat64())&63)))
	case OpShr:
		return Number(float64(toI64(l.AsFloat64()) >> uint(toI64(r.AsFloat64())&63)))
	case OpAdd:
		return Number(l.AsFloat64() + r.AsFloat64())
	case OpSub:
		return Number(l.AsFloat64() - r.AsFloat64())
	case OpMul:
		return Number(l.AsFloat64() * r.AsFloat64())
	case OpDiv:
		rv := r.AsFloat64()
		if rv == 0 {
			return Number(0)
		}
		return Number(l.AsFloat64() / rv)
	case OpMod:
		rv := toI64(r.AsFloat64())
		if rv == 0 {
			return Number(0)
		}
		return Number(float64(toI64(l.AsFloat64()) % rv))
	}
	return Number(0)
}

func toI64(f float64) int64 { return int64(f) }

func valuesEqual(l, r Value) bool {
	if l.kind == KindString && r.kind == KindString {
		return l.str == r.str
	}
	if l.kind == KindString || r.kind == KindString {
		return l.String() == r.String()
	}
	return l.AsFloat64() == r.AsFloat64()
}
