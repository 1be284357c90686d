package pong

import (
	"math"
	"math/rand"

	"pong-rl/internal/policy"
)

// Field geometry in quadrant units.
const (
	fieldSize = 200.0

	paddleWidth  = 1.0
	paddleHeight = 20.0
	paddleSpeed  = 3.0

	ballSize = 2.0
	ballDX   = 2.5
	ballDY   = 1.25

	spinFactor = 0.25

	defaultMaxSteps      = 2000
	defaultOpponentSkill = 0.8
)

type Paddle struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p *Paddle) move(a policy.Action) {
	switch a {
	case policy.Up:
		if p.Y > 0 {
			p.Y -= paddleSpeed
		}
	case policy.Down:
		if p.Y < fieldSize-paddleHeight {
			p.Y += paddleSpeed
		}
	}
}

func (p Paddle) covers(y float64) bool {
	return y >= p.Y && y <= p.Y+paddleHeight
}

func (p Paddle) centre() float64 {
	return p.Y + paddleHeight/2
}

type Ball struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

type State struct {
	Ball     Ball   `json:"ball"`
	Opponent Paddle `json:"opponent"`
	Agent    Paddle `json:"agent"`
}

// Env is a headless pong rally. The agent plays the right paddle against a
// scripted opponent that tracks the ball, reacting on a fraction of steps.
type Env struct {
	State         State
	Steps         int
	MaxSteps      int
	OpponentSkill float64
	Rand          *rand.Rand
}

func NewEnv(rng *rand.Rand) *Env {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	env := &Env{
		MaxSteps:      defaultMaxSteps,
		OpponentSkill: defaultOpponentSkill,
		Rand:          rng,
	}
	env.Reset()
	return env
}

func (e *Env) Reset() State {
	dx := ballDX
	if e.Rand.Intn(2) == 0 {
		dx = -dx
	}
	dy := ballDY
	if e.Rand.Intn(2) == 0 {
		dy = -dy
	}
	e.State = State{
		Ball:     Ball{X: fieldSize / 2, Y: fieldSize / 2, DX: dx, DY: dy},
		Opponent: Paddle{X: 0, Y: fieldSize / 2},
		Agent:    Paddle{X: fieldSize - paddleWidth, Y: fieldSize / 2},
	}
	e.Steps = 0
	return e.State
}

// Step moves the agent's paddle, advances the ball and reports whether the
// rally is over and whether the agent won it. Hitting MaxSteps ends the
// rally as a loss.
func (e *Env) Step(action policy.Action) (State, bool, bool) {
	e.State.Agent.move(action)
	e.State.Opponent.move(e.opponentAction())

	b := &e.State.Ball
	b.X += b.DX
	b.Y += b.DY

	if b.Y-ballSize <= 0 || b.Y+ballSize >= fieldSize {
		b.DY = -b.DY
	}
	opp, agent := e.State.Opponent, e.State.Agent
	if b.X-ballSize <= opp.X+paddleWidth && opp.covers(b.Y) {
		b.DX = math.Abs(b.DX)
		b.DY = (b.Y - opp.centre()) * spinFactor
	}
	if b.X+ballSize >= agent.X && agent.covers(b.Y) {
		b.DX = -math.Abs(b.DX)
		b.DY = (b.Y - agent.centre()) * spinFactor
	}
	e.Steps++

	switch {
	case b.X <= 0:
		return e.State, true, true
	case b.X >= fieldSize:
		return e.State, false, true
	case e.MaxSteps > 0 && e.Steps >= e.MaxSteps:
		return e.State, false, true
	}
	return e.State, false, false
}

func (e *Env) opponentAction() policy.Action {
	if e.Rand.Float64() >= e.OpponentSkill {
		return policy.Stay
	}
	centre := e.State.Opponent.centre()
	switch {
	case e.State.Ball.Y < centre-paddleSpeed:
		return policy.Up
	case e.State.Ball.Y > centre+paddleSpeed:
		return policy.Down
	default:
		return policy.Stay
	}
}

// Render rasterizes the field into a dimension×dimension grid in row-major
// order: 1 where a paddle or the ball is, 0 elsewhere.
func (e *Env) Render(dimension int) []float64 {
	grid := make([]float64, dimension*dimension)
	if dimension <= 0 {
		return grid
	}
	cell := fieldSize / float64(dimension)
	b := e.State.Ball

	for row := 0; row < dimension; row++ {
		y := (float64(row) + 0.5) * cell
		for col := 0; col < dimension; col++ {
			x := (float64(col) + 0.5) * cell
			if inPaddle(e.State.Opponent, x, y, cell) || inPaddle(e.State.Agent, x, y, cell) ||
				math.Hypot(x-b.X, y-b.Y) <= ballSize {
				grid[row*dimension+col] = 1
			}
		}
	}
	row, col := clampCell(b.Y/cell, dimension), clampCell(b.X/cell, dimension)
	grid[row*dimension+col] = 1
	return grid
}

// inPaddle widens the paddle to at least one cell so it is never lost between samples.
func inPaddle(p Paddle, x, y, cell float64) bool {
	width := math.Max(paddleWidth, cell)
	left := p.X
	if left+width > fieldSize {
		left = fieldSize - width
	}
	return x >= left && x <= left+width && y >= p.Y && y <= p.Y+paddleHeight
}

func clampCell(v float64, dimension int) int {
	i := int(v)
	if i < 0 {
		return 0
	}
	if i >= dimension {
		return dimension - 1
	}
	return i
}
