package camera

import (
	"time"

	"github.com/dkeye/Rover/internal/domain"
)

// Pattern is a synthetic device: moving color bars, handy without hardware.
type Pattern struct {
	Width  int
	Height int
	// Period paces Frame like a real camera would; zero returns at once.
	Period time.Duration

	open  bool
	frame int
	last  time.Time
	sleep func(time.Duration)
}

func NewPattern(width, height, fps int) *Pattern {
	p := &Pattern{Width: width, Height: height, sleep: time.Sleep}
	if fps > 0 {
		p.Period = time.Second / time.Duration(fps)
	}
	return p
}

func (p *Pattern) Open(int) error {
	p.open = true
	p.frame = 0
	return nil
}

var bars = [...][3]byte{
	{255, 255, 255}, {255, 255, 0}, {0, 255, 255}, {0, 255, 0},
	{255, 0, 255}, {255, 0, 0}, {0, 0, 255}, {16, 16, 16},
}

func (p *Pattern) Frame() (domain.RawImage, error) {
	if !p.open {
		return domain.RawImage{}, ErrNotOpen
	}
	if p.Period > 0 && !p.last.IsZero() {
		if wait := p.Period - time.Since(p.last); wait > 0 && p.sleep != nil {
			p.sleep(wait)
		}
	}
	p.last = time.Now()

	pix := make([]byte, p.Width*p.Height*3)
	barW := max(p.Width/len(bars), 1)
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			c := bars[((x+p.frame)/barW)%len(bars)]
			i := (y*p.Width + x) * 3
			pix[i], pix[i+1], pix[i+2] = c[0], c[1], c[2]
		}
	}
	p.frame++
	return domain.RawImage{Width: p.Width, Height: p.Height, Pix: pix}, nil
}

func (p *Pattern) Close() error {
	p.open = false
	return nil
}
