package sculpture

import "math"

const (
	gravity = 9.81

	longGScale = 10.0
	latGScale  = 0.1
	maxG       = 5.0
	xyScale    = 100.0
	zScale     = 20.0
	minCurve   = 0.0001
	colorBlue  = 0.3
)

// Process はテレメトリを 3D 頂点列に変換します。
//
// 縦 G は速度の勾配、横 G は走行ラインの曲率から近似し、どちらも ±5G に収めます。
// X/Y は平均0・標準偏差100に正規化し、Z は合成 G を高さにします。
func Process(t *Telemetry) (*Sculpture, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	n := t.Len()

	speedMS := make([]float64, n)
	for i, v := range t.Speed {
		speedMS[i] = v / 3.6
	}

	longG := gradient(speedMS)
	for i := range longG {
		longG[i] = clip(longG[i]/gravity*longGScale, -maxG, maxG)
	}

	dx := gradient(t.X)
	dy := gradient(t.Y)
	ddx := gradient(dx)
	ddy := gradient(dy)
	latG := make([]float64, n)
	for i := 0; i < n; i++ {
		curvature := math.Abs(ddx[i]*dy[i] - dx[i]*ddy[i])
		if !(curvature > 0) {
			curvature = minCurve
		}
		lat := speedMS[i] * speedMS[i] / (curvature * gravity)
		latG[i] = clip(lat*latGScale, 0, maxG)
	}

	xNorm := normalize(t.X)
	yNorm := normalize(t.Y)

	out := &Sculpture{
		Vertices: make([]Vertex, n),
		Colors:   make([]Color, n),
	}
	var sumG float64
	out.Metadata.MaxGForce = math.Inf(-1)
	out.Metadata.MaxSpeed = math.Inf(-1)
	out.Metadata.TotalDistance = math.Inf(-1)
	for i := 0; i < n; i++ {
		combined := math.Sqrt(longG[i]*longG[i] + latG[i]*latG[i])
		out.Vertices[i] = Vertex{
			X:        xNorm[i],
			Y:        yNorm[i],
			Z:        combined * zScale,
			Distance: t.Distance[i],
			Speed:    t.Speed[i],
			GForce:   combined,
			LongG:    longG[i],
			LatG:     latG[i],
		}
		intensity := math.Min(combined/maxG, 1.0)
		out.Colors[i] = Color{R: intensity, G: 1.0 - intensity, B: colorBlue}

		sumG += combined
		out.Metadata.MaxGForce = math.Max(out.Metadata.MaxGForce, combined)
		out.Metadata.MaxSpeed = math.Max(out.Metadata.MaxSpeed, t.Speed[i])
		out.Metadata.TotalDistance = math.Max(out.Metadata.TotalDistance, t.Distance[i])
	}
	out.Metadata.AvgGForce = sumG / float64(n)
	return out, nil
}

// gradient は内側を中心差分、両端を片側差分で求めた勾配です。
func gradient(v []float64) []float64 {
	n := len(v)
	g := make([]float64, n)
	if n < 2 {
		return g
	}
	g[0] = v[1] - v[0]
	g[n-1] = v[n-1] - v[n-2]
	for i := 1; i < n-1; i++ {
		g[i] = (v[i+1] - v[i-1]) / 2
	}
	return g
}

// normalize は母標準偏差で標準化し、xyScale 倍します。分散が0なら0を返します。
func normalize(v []float64) []float64 {
	n := float64(len(v))
	var mean float64
	for _, x := range v {
		mean += x
	}
	mean /= n
	var variance float64
	for _, x := range v {
		variance += (x - mean) * (x - mean)
	}
	std := math.Sqrt(variance / n)

	out := make([]float64, len(v))
	if std == 0 {
		return out
	}
	for i, x := range v {
		out[i] = (x - mean) / std * xyScale
	}
	return out
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
