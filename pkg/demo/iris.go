package demo

import (
	"context"
	"fmt"

	"submitter/pkg/db"
)

// Rows of Fisher's iris data: sepal length, sepal width, petal length,
// petal width and class (0 setosa, 1 versicolor, 2 virginica).
var irisTrain = [][5]float64{
	{5.1, 3.5, 1.4, 0.2, 0}, {4.9, 3.0, 1.4, 0.2, 0}, {4.7, 3.2, 1.3, 0.2, 0},
	{4.6, 3.1, 1.5, 0.2, 0}, {5.0, 3.6, 1.4, 0.2, 0}, {5.4, 3.9, 1.7, 0.4, 0},
	{4.6, 3.4, 1.4, 0.3, 0}, {5.0, 3.4, 1.5, 0.2, 0}, {4.4, 2.9, 1.4, 0.2, 0},
	{4.9, 3.1, 1.5, 0.1, 0}, {5.4, 3.7, 1.5, 0.2, 0}, {4.8, 3.4, 1.6, 0.2, 0},
	{4.8, 3.0, 1.4, 0.1, 0}, {4.3, 3.0, 1.1, 0.1, 0}, {5.8, 4.0, 1.2, 0.2, 0},
	{5.7, 4.4, 1.5, 0.4, 0}, {5.4, 3.9, 1.3, 0.4, 0}, {5.1, 3.5, 1.4, 0.3, 0},
	{5.7, 3.8, 1.7, 0.3, 0}, {5.1, 3.8, 1.5, 0.3, 0}, {5.4, 3.4, 1.7, 0.2, 0},
	{5.1, 3.7, 1.5, 0.4, 0}, {4.6, 3.6, 1.0, 0.2, 0}, {5.1, 3.3, 1.7, 0.5, 0},
	{4.8, 3.4, 1.9, 0.2, 0},
	{7.0, 3.2, 4.7, 1.4, 1}, {6.4, 3.2, 4.5, 1.5, 1}, {6.9, 3.1, 4.9, 1.5, 1},
	{5.5, 2.3, 4.0, 1.3, 1}, {6.5, 2.8, 4.6, 1.5, 1}, {5.7, 2.8, 4.5, 1.3, 1},
	{6.3, 3.3, 4.7, 1.6, 1}, {4.9, 2.4, 3.3, 1.0, 1}, {6.6, 2.9, 4.6, 1.3, 1},
	{5.2, 2.7, 3.9, 1.4, 1}, {5.0, 2.0, 3.5, 1.0, 1}, {5.9, 3.0, 4.2, 1.5, 1},
	{6.0, 2.2, 4.0, 1.0, 1}, {6.1, 2.9, 4.7, 1.4, 1}, {5.6, 2.9, 3.6, 1.3, 1},
	{6.7, 3.1, 4.4, 1.4, 1}, {5.6, 3.0, 4.5, 1.5, 1}, {5.8, 2.7, 4.1, 1.0, 1},
	{6.2, 2.2, 4.5, 1.5, 1}, {5.6, 2.5, 3.9, 1.1, 1}, {5.9, 3.2, 4.8, 1.8, 1},
	{6.1, 2.8, 4.0, 1.3, 1}, {6.3, 2.5, 4.9, 1.5, 1}, {6.1, 2.8, 4.7, 1.2, 1},
	{6.4, 2.9, 4.3, 1.3, 1},
	{6.3, 3.3, 6.0, 2.5, 2}, {5.8, 2.7, 5.1, 1.9, 2}, {7.1, 3.0, 5.9, 2.1, 2},
	{6.3, 2.9, 5.6, 1.8, 2}, {6.5, 3.0, 5.8, 2.2, 2}, {7.6, 3.0, 6.6, 2.1, 2},
	{4.9, 2.5, 4.5, 1.7, 2}, {7.3, 2.9, 6.3, 1.8, 2}, {6.7, 2.5, 5.8, 1.8, 2},
	{7.2, 3.6, 6.1, 2.5, 2},
}

var irisTest = [][5]float64{
	{5.0, 3.0, 1.6, 0.2, 0}, {5.0, 3.4, 1.6, 0.4, 0}, {5.2, 3.5, 1.5, 0.2, 0},
	{5.2, 3.4, 1.4, 0.2, 0}, {4.7, 3.2, 1.6, 0.2, 0},
	{6.6, 3.0, 4.4, 1.4, 1}, {6.8, 2.8, 4.8, 1.4, 1}, {6.7, 3.0, 5.0, 1.7, 1},
	{6.0, 2.9, 4.5, 1.5, 1}, {5.7, 2.6, 3.5, 1.0, 1},
	{6.5, 3.2, 5.1, 2.0, 2}, {6.4, 2.7, 5.3, 1.9, 2}, {6.8, 3.0, 5.5, 2.1, 2},
}

var irisColumns = []db.Column{
	{Name: "sepal_length", Type: db.ColumnFloat},
	{Name: "sepal_width", Type: db.ColumnFloat},
	{Name: "petal_length", Type: db.ColumnFloat},
	{Name: "petal_width", Type: db.ColumnFloat},
	{Name: "class", Type: db.ColumnInt},
}

// SeedIris replaces iris.train and iris.test on datasource. The datasource
// must attach the iris schema.
func SeedIris(ctx context.Context, datasource string) error {
	conn, err := db.Open(ctx, datasource)
	if err != nil {
		return err
	}
	defer conn.Close()

	for table, data := range map[string][][5]float64{"iris.train": irisTrain, "iris.test": irisTest} {
		rows := make([][]interface{}, len(data))
		for i, r := range data {
			rows[i] = []interface{}{r[0], r[1], r[2], r[3], int(r[4])}
		}
		if err := conn.WriteTable(ctx, table, irisColumns, rows); err != nil {
			return fmt.Errorf("error seeding %s: %w", table, err)
		}
	}
	return nil
}
