package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// KindMath is the kind of the arithmetic agent.
const KindMath = "math"

var (
	errSyntax = errors.New("not an arithmetic expression")
	errDomain = errors.New("arithmetic domain error")
)

// MathAgent evaluates requests that are plain arithmetic, written with
// symbols ("2+2", "sqrt(144)") or words ("two plus two", "the square root of
// 144"). It accepts nothing else.
type MathAgent struct{}

// NewMathAgent creates a MathAgent.
func NewMathAgent() *MathAgent { return &MathAgent{} }

func (MathAgent) Kind() string { return KindMath }

func (MathAgent) Accepts(req Request) bool {
	toks, ok := mathTokens(req.Normalized())
	if !ok {
		return false
	}
	_, err := evaluate(toks)
	return err == nil || errors.Is(err, errDomain)
}

func (MathAgent) Execute(ctx context.Context, req Request) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	toks, ok := mathTokens(req.Normalized())
	if !ok {
		return Artifact{}, errSyntax
	}
	v, err := evaluate(toks)
	if err != nil {
		return Artifact{}, err
	}
	answer := formatNumber(v)
	return Artifact{
		Answer:      answer,
		Explanation: strings.Join(toks, " ") + " = " + answer,
	}, nil
}

type phraseOp struct {
	words []string
	ops   []string
}

// Longest phrases first.
var mathPhrases = []phraseOp{
	{[]string{"raised", "to", "the", "power", "of"}, []string{"^"}},
	{[]string{"to", "the", "power", "of"}, []string{"^"}},
	{[]string{"square", "root", "of"}, []string{"sqrt"}},
	{[]string{"cube", "root", "of"}, []string{"cbrt"}},
	{[]string{"multiplied", "by"}, []string{"*"}},
	{[]string{"divided", "by"}, []string{"/"}},
	{[]string{"square", "root"}, []string{"sqrt"}},
	{[]string{"cube", "root"}, []string{"cbrt"}},
	{[]string{"raised", "to"}, []string{"^"}},
}

var mathWords = map[string][]string{
	"plus":     {"+"},
	"add":      {"+"},
	"minus":    {"-"},
	"negative": {"-"},
	"times":    {"*"},
	"over":     {"/"},
	"mod":      {"%"},
	"modulo":   {"%"},
	"squared":  {"^", "2"},
	"cubed":    {"^", "3"},
}

var leadingWords = map[string]bool{
	"what": true, "is": true, "the": true, "value": true, "of": true, "does": true,
	"calculate": true, "compute": true, "evaluate": true, "solve": true, "how": true, "much": true,
}

var trailingWords = map[string]bool{
	"?": true, "=": true, "equal": true, "equals": true,
}

var numberWords = map[string]float64{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6, "seven": 7,
	"eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12, "thirteen": 13,
	"fourteen": 14, "fifteen": 15, "sixteen": 16, "seventeen": 17, "eighteen": 18,
	"nineteen": 19, "twenty": 20, "thirty": 30, "forty": 40, "fifty": 50, "sixty": 60,
	"seventy": 70, "eighty": 80, "ninety": 90,
}

var scaleWords = map[string]float64{"hundred": 100, "thousand": 1e3, "million": 1e6}

// mathTokens rewrites a normalized request into expression tokens. ok is
// false unless what remains after dropping question words is a well-formed
// candidate expression with at least one number and one operator.
func mathTokens(normalized string) ([]string, bool) {
	words := strings.Fields(normalized)
	var toks []string
	for i := 0; i < len(words); {
		if p, ok := phraseAt(words, i); ok {
			toks = append(toks, p.ops...)
			i += len(p.words)
			continue
		}
		if v, n := numberWordsAt(words, i); n > 0 {
			toks = append(toks, formatNumber(v))
			i += n
			continue
		}
		w := words[i]
		if ops, ok := mathWords[w]; ok {
			toks = append(toks, ops...)
		} else if w == "x" && len(toks) > 0 && isOperand(toks[len(toks)-1]) {
			toks = append(toks, "*")
		} else {
			toks = append(toks, w)
		}
		i++
	}

	start, end := 0, len(toks)
	for start < end && leadingWords[toks[start]] {
		start++
	}
	for end > start && trailingWords[toks[end-1]] {
		end--
	}
	toks = toks[start:end]

	var hasNumber, hasOperator bool
	for _, t := range toks {
		switch {
		case isNumber(t):
			hasNumber = true
		case isOperator(t) || t == "sqrt" || t == "cbrt":
			hasOperator = true
		case t == "(" || t == ")":
		default:
			return nil, false
		}
	}
	return toks, hasNumber && hasOperator
}

func phraseAt(words []string, i int) (phraseOp, bool) {
	for _, p := range mathPhrases {
		if i+len(p.words) > len(words) {
			continue
		}
		match := true
		for j, w := range p.words {
			if words[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return p, true
		}
	}
	return phraseOp{}, false
}

// numberWordsAt reads a run of spelled-out number words ("one hundred twenty
// five") starting at i and returns its value and length.
func numberWordsAt(words []string, i int) (float64, int) {
	var total, current float64
	n := 0
	for j := i; j < len(words); j++ {
		w := words[j]
		if v, ok := numberWords[w]; ok {
			current += v
		} else if s, ok := scaleWords[w]; ok && n > 0 {
			if s == 100 {
				current *= s
			} else {
				total += current * s
				current = 0
			}
		} else {
			break
		}
		n++
	}
	return total + current, n
}

// isNumber accepts plain decimal literals only; ParseFloat alone would also
// take words like "inf" and "nan".
func isNumber(t string) bool {
	digits := strings.TrimPrefix(t, "-")
	if digits == "" || (digits[0] < '0' || digits[0] > '9') && digits[0] != '.' {
		return false
	}
	_, err := strconv.ParseFloat(t, 64)
	return err == nil && !strings.ContainsAny(digits, "xXpPeE_")
}

func isOperator(t string) bool {
	switch t {
	case "+", "-", "*", "/", "%", "^":
		return true
	}
	return false
}

func isOperand(t string) bool {
	return isNumber(t) || t == ")"
}

func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(math.Round(v*1e10)/1e10, 'f', -1, 64)
}

func evaluate(toks []string) (float64, error) {
	p := &exprParser{toks: toks}
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	if p.pos != len(p.toks) {
		return 0, fmt.Errorf("%w: unexpected %q", errSyntax, p.toks[p.pos])
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("%w: result is not a finite number", errDomain)
	}
	return v, nil
}

// exprParser is a recursive-descent evaluator:
//
//	expr  = term { ("+" | "-") term }
//	term  = unary { ("*" | "/" | "%") unary }
//	unary = "-" unary | power
//	power = primary [ "^" unary ]
//	primary = number | "(" expr ")" | ("sqrt" | "cbrt") primary
type exprParser struct {
	toks []string
	pos  int
}

func (p *exprParser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *exprParser) expr() (float64, error) {
	v, err := p.term()
	if err != nil {
		return 0, err
	}
	for op := p.peek(); op == "+" || op == "-"; op = p.peek() {
		p.pos++
		r, err := p.term()
		if err != nil {
			return 0, err
		}
		if op == "+" {
			v += r
		} else {
			v -= r
		}
	}
	return v, nil
}

func (p *exprParser) term() (float64, error) {
	v, err := p.unary()
	if err != nil {
		return 0, err
	}
	for op := p.peek(); op == "*" || op == "/" || op == "%"; op = p.peek() {
		p.pos++
		r, err := p.unary()
		if err != nil {
			return 0, err
		}
		switch op {
		case "*":
			v *= r
		case "/":
			if r == 0 {
				return 0, fmt.Errorf("%w: division by zero", errDomain)
			}
			v /= r
		case "%":
			if r == 0 {
				return 0, fmt.Errorf("%w: modulo by zero", errDomain)
			}
			v = math.Mod(v, r)
		}
	}
	return v, nil
}

func (p *exprParser) unary() (float64, error) {
	if p.peek() == "-" {
		p.pos++
		v, err := p.unary()
		return -v, err
	}
	return p.power()
}

func (p *exprParser) power() (float64, error) {
	base, err := p.primary()
	if err != nil {
		return 0, err
	}
	if p.peek() != "^" {
		return base, nil
	}
	p.pos++
	exp, err := p.unary()
	if err != nil {
		return 0, err
	}
	return math.Pow(base, exp), nil
}

func (p *exprParser) primary() (float64, error) {
	t := p.peek()
	switch {
	case t == "":
		return 0, fmt.Errorf("%w: unexpected end", errSyntax)
	case t == "(":
		p.pos++
		v, err := p.expr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ")" {
			return 0, fmt.Errorf("%w: missing )", errSyntax)
		}
		p.pos++
		return v, nil
	case t == "sqrt" || t == "cbrt":
		p.pos++
		arg, err := p.primary()
		if err != nil {
			return 0, err
		}
		if t == "cbrt" {
			return math.Cbrt(arg), nil
		}
		if arg < 0 {
			return 0, fmt.Errorf("%w: square root of a negative number", errDomain)
		}
		return math.Sqrt(arg), nil
	}
	if !isNumber(t) {
		return 0, fmt.Errorf("%w: unexpected %q", errSyntax, t)
	}
	v, _ := strconv.ParseFloat(t, 64)
	p.pos++
	return v, nil
}
