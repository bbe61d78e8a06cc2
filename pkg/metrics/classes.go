package metrics

import (
	"sort"
	"strconv"

	"github.com/rs/zerolog/log"
)

type ClassMetrics struct {
	TruePos, FalsePos, TrueNeg, FalseNeg int
}

func (c *ClassMetrics) Precision() float64 {
	if c.TruePos+c.FalsePos == 0 {
		return 0
	}
	return float64(c.TruePos) / float64(c.TruePos+c.FalsePos)
}

func (c *ClassMetrics) Recall() float64 {
	if c.TruePos+c.FalseNeg == 0 {
		return 0
	}
	return float64(c.TruePos) / float64(c.TruePos+c.FalseNeg)
}

func (c *ClassMetrics) F1Score() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// CountClasses accumulates per-class counts of predicted against actual classes.
func CountClasses(labels []float64, predicted []int) map[int]*ClassMetrics {
	result := map[int]*ClassMetrics{}
	get := func(class int) *ClassMetrics {
		m, ok := result[class]
		if !ok {
			m = &ClassMetrics{}
			result[class] = m
		}
		return m
	}
	for i, label := range labels {
		actual := int(label)
		labelMetrics := get(actual)
		predictedMetrics := get(predicted[i])
		if actual == predicted[i] {
			labelMetrics.TruePos++
		} else {
			labelMetrics.FalseNeg++
			predictedMetrics.FalsePos++
		}
	}
	for class, m := range result {
		m.TrueNeg = len(labels) - m.TruePos - m.FalsePos - m.FalseNeg
		result[class] = m
	}
	return result
}

// OverallF1 returns the micro and macro averaged F1 scores.
func OverallF1(classes map[int]*ClassMetrics) (float64, float64) {
	if len(classes) == 0 {
		return 0, 0
	}
	macroF1 := 0.0
	var micro ClassMetrics
	for _, m := range classes {
		macroF1 += m.F1Score()
		micro.TruePos += m.TruePos
		micro.FalsePos += m.FalsePos
		micro.FalseNeg += m.FalseNeg
		micro.TrueNeg += m.TrueNeg
	}
	macroF1 /= float64(len(classes))
	return micro.F1Score(), macroF1
}

// LogClassReport logs per-class counts and the overall F1 scores at debug level.
func LogClassReport(labels []float64, predicted []int) {
	classes := CountClasses(labels, predicted)
	sorted := make([]int, 0, len(classes))
	for class := range classes {
		sorted = append(sorted, class)
	}
	sort.Ints(sorted)
	for _, class := range sorted {
		result := classes[class]
		log.Debug().Str("Class", strconv.Itoa(class)).
			Int("TP", result.TruePos).
			Int("FP", result.FalsePos).
			Int("TN", result.TrueNeg).
			Int("FN", result.FalseNeg).
			Float64("Precision", result.Precision()).
			Float64("Recall", result.Recall()).
			Float64("F1", result.F1Score()).
			Msg("")
	}
	microF1, macroF1 := OverallF1(classes)
	log.Debug().Float64("MacroF1", macroF1).Float64("MicroF1", microF1).Msg("")
}
