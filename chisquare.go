// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snail

import (
	"gonum.org/v1/gonum/stat/distuv"
)

// lrtPValue returns the likelihood ratio statistic and its chi-square
// p-value for nested models with the given log-likelihoods.
//
// Callers pass log-likelihoods of the augmented sample, in which
// every observation appears twice with its sign flipped. The
// statistic is not corrected for that, so the test is too liberal
// and only serves as a stopping rule.
func lrtPValue(logLikeSimple, logLikeComplex float64, df int) (statistic, p float64) {
	statistic = 2 * (logLikeComplex - logLikeSimple)
	if !(statistic > 0) || df < 1 {
		return statistic, 1
	}
	return statistic, chiSquaredSurvival(statistic, df)
}

func chiSquaredSurvival(x float64, df int) float64 {
	return distuv.ChiSquared{K: float64(df)}.Survival(x)
}
