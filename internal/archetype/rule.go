package archetype

// Match evaluates a single comparison of actual against operand.
//
// between is inclusive; when the low bound exceeds the high bound the range
// wraps, so [22, 5] matches 23 and 5 but not 12. The ordered operators parse
// string values as floats. eq compares without coercion.
func Match(op Operator, operand Operand, actual Value) bool {
	if op == OpEQ {
		return equal(operand, actual)
	}

	val, ok := actual.Float()
	if !ok {
		return false
	}

	switch op {
	case OpBetween:
		if operand.kind != operandRange {
			return false
		}
		if operand.low > operand.high {
			return val >= operand.low || val <= operand.high
		}
		return val >= operand.low && val <= operand.high
	}

	if operand.kind != operandNumber {
		return false
	}
	switch op {
	case OpGTE:
		return val >= operand.num
	case OpLTE:
		return val <= operand.num
	case OpGT:
		return val > operand.num
	case OpLT:
		return val < operand.num
	}
	return false
}

func equal(operand Operand, actual Value) bool {
	switch operand.kind {
	case operandNumber:
		return !actual.isString && actual.num == operand.num
	case operandString:
		return actual.isString && actual.str == operand.str
	}
	return false
}

func validOperand(op Operator, operand Operand) bool {
	switch op {
	case OpBetween:
		return operand.kind == operandRange
	case OpGTE, OpLTE, OpGT, OpLT:
		return operand.kind == operandNumber
	case OpEQ:
		return operand.kind == operandNumber || operand.kind == operandString
	}
	return false
}
