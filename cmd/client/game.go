package main

import (
	"fmt"
	"image/color"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/text/v2"
	"github.com/hajimehoshi/ebiten/v2/vector"
	"golang.org/x/image/font/basicfont"

	"tickwire/internal/client"
	"tickwire/pkg/core"
)

const (
	ScreenWidth  = 480
	ScreenHeight = 240
	FPS          = 60
)

var hudFont = text.NewGoXFace(basicfont.Face7x13)

// ControlScheme 按键方案
type ControlScheme int

const (
	ControlWASD  ControlScheme = iota // WASD + 空格键
	ControlArrow                      // 方向键+回车键
)

func (c ControlScheme) String() string {
	switch c {
	case ControlWASD:
		return "WASD+Space"
	case ControlArrow:
		return "Arrows+Enter"
	}
	return "unknown"
}

// captureInput 读取当前帧的按键
func captureInput(scheme ControlScheme, pressed func(ebiten.Key) bool) core.Input {
	if scheme == ControlArrow {
		return core.Input{
			Up:    pressed(ebiten.KeyArrowUp),
			Down:  pressed(ebiten.KeyArrowDown),
			Left:  pressed(ebiten.KeyArrowLeft),
			Right: pressed(ebiten.KeyArrowRight),
			Bomb:  pressed(ebiten.KeyEnter),
		}
	}
	return core.Input{
		Up:    pressed(ebiten.KeyW),
		Down:  pressed(ebiten.KeyS),
		Left:  pressed(ebiten.KeyA),
		Right: pressed(ebiten.KeyD),
		Bomb:  pressed(ebiten.KeySpace),
	}
}

type keyTracker struct {
	prev map[ebiten.Key]bool
}

func (k *keyTracker) JustPressed(key ebiten.Key) bool {
	if k.prev == nil {
		k.prev = make(map[ebiten.Key]bool)
	}
	now := ebiten.IsKeyPressed(key)
	was := k.prev[key]
	k.prev[key] = now
	return now && !was
}

// Game 驱动连接的 Ebiten 循环：Update 每次调用执行一帧，Draw 显示同步状态
type Game struct {
	conn          *client.Connection[core.Input]
	controlScheme ControlScheme
	keys          keyTracker
	lastUpdate    time.Time
	lastInput     core.Input
}

// NewGame 创建游戏循环
func NewGame(conn *client.Connection[core.Input]) *Game {
	return &Game{
		conn:       conn,
		lastUpdate: time.Now(),
	}
}

// Update 实现 ebiten.Game
func (g *Game) Update() error {
	if g.keys.JustPressed(ebiten.KeyTab) {
		g.controlScheme = (g.controlScheme + 1) % 2
	}

	now := time.Now()
	delta := now.Sub(g.lastUpdate)
	g.lastUpdate = now

	g.lastInput = captureInput(g.controlScheme, ebiten.IsKeyPressed)
	g.conn.Frame(now, delta, g.lastInput)
	return nil
}

// Draw 实现 ebiten.Game
func (g *Game) Draw(screen *ebiten.Image) {
	screen.Fill(color.RGBA{24, 28, 36, 255})

	s := g.conn.Stats()
	state := "syncing"
	switch {
	case !g.conn.IsJoined():
		state = "joining"
	case s.Synced:
		state = "synced"
	}

	lines := []string{
		fmt.Sprintf("player %d  %s  [%s, Tab to switch]", s.PlayerID, state, g.controlScheme),
		fmt.Sprintf("tick %5d  server %5d  interp %5d", uint16(s.Tick), uint16(s.ServerTick), uint16(s.InterpolateTick)),
		fmt.Sprintf("rtt %s  jitter %s  samples %d", s.RTT.Round(100*time.Microsecond), s.Jitter.Round(100*time.Microsecond), s.Samples),
		fmt.Sprintf("speed %.3f  interp speed %.3f", s.PredictionSpeed, s.InterpolateSpeed),
		fmt.Sprintf("buffered inputs %d  input %08b", s.BufferedInputs, g.lastInput.Bits()),
	}
	for i, line := range lines {
		drawText(screen, 16, 16+i*18, line, color.RGBA{220, 230, 240, 255})
	}

	if s.Synced {
		g.drawTimeline(screen, s)
	}
}

// drawTimeline 以服务器帧号为中心画出本地帧与插值帧的相对位置
func (g *Game) drawTimeline(screen *ebiten.Image, s client.Stats) {
	const (
		y      = 180
		pxTick = 4
	)
	mid := float32(ScreenWidth / 2)
	vector.StrokeLine(screen, 16, y, ScreenWidth-16, y, 1, color.RGBA{90, 100, 120, 255}, false)

	mark := func(tick core.Tick, clr color.Color) {
		x := mid + float32(tick.Diff(s.ServerTick))*pxTick
		vector.DrawFilledRect(screen, x-2, y-10, 4, 20, clr, false)
	}
	mark(s.ServerTick, color.RGBA{200, 200, 200, 255})
	mark(s.Tick, color.RGBA{90, 200, 120, 255})
	mark(s.InterpolateTick, color.RGBA{230, 170, 60, 255})
	drawText(screen, 16, y+16, "white: server  green: local  orange: interpolation", color.RGBA{150, 160, 170, 255})
}

// Layout 实现 ebiten.Game
func (g *Game) Layout(outsideWidth, outsideHeight int) (int, int) {
	return ScreenWidth, ScreenHeight
}

func drawText(screen *ebiten.Image, x, y int, msg string, clr color.Color) {
	options := &text.DrawOptions{}
	options.GeoM.Translate(float64(x), float64(y))
	options.ColorScale.ScaleWithColor(clr)
	text.Draw(screen, msg, hudFont, options)
}
